package gallery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/comfyforge/client"
	"github.com/richinsley/comfyforge/graphapi"
	"github.com/richinsley/comfyforge/queue"
	"github.com/richinsley/comfyforge/refine"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

type fakeBackend struct {
	mu        sync.Mutex
	next      int
	submitted []*graphapi.Prompt
	cancelled []string
}

func (f *fakeBackend) Submit(_ context.Context, prompt *graphapi.Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.submitted = append(f.submitted, prompt)
	return fmt.Sprintf("p-%d", f.next), nil
}

func (f *fakeBackend) Cancel(_ context.Context, promptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, promptID)
	return nil
}

func (f *fakeBackend) Status(_ context.Context, promptID string) (*client.PromptStatus, error) {
	return &client.PromptStatus{PromptID: promptID, State: client.StatusPending}, nil
}

type fakeRefiner struct {
	err      error
	suffix   string
	unloaded int
	modes    []refine.Mode
}

func (f *fakeRefiner) Refine(_ context.Context, prompt string, mode refine.Mode) (string, error) {
	f.modes = append(f.modes, mode)
	if f.err != nil {
		return "", f.err
	}
	if f.suffix != "" {
		return prompt + f.suffix, nil
	}
	return prompt + ", golden hour, highly detailed", nil
}

func (f *fakeRefiner) Unload(context.Context) error {
	f.unloaded++
	return nil
}

type fakeUploader struct {
	names []string
}

func (f *fakeUploader) UploadFileFromReader(_ context.Context, r io.Reader, filename string, _ bool, _ client.ImageType, _ string) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.names = append(f.names, filename)
	return "uploads/" + filename, nil
}

type fixture struct {
	t       *testing.T
	backend *fakeBackend
	manager *queue.Manager
	rec     *queue.Reconciler
	p       *Presenter
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gallery.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{t: t, backend: &fakeBackend{}}
	f.manager = queue.NewManager(f.backend, st, queue.Options{})
	f.rec = queue.NewReconciler(f.manager, nil, time.Minute)
	f.p = New(f.manager, opts)
	return f
}

func (f *fixture) submit(req SubmitRequest) *store.Job {
	f.t.Helper()
	job, err := f.p.Submit(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Submit: %v", err)
	}
	return job
}

// complete drives a job through start, n artifacts and success.
func (f *fixture) complete(job *store.Job, n int) {
	ctx := context.Background()
	seq := uint64(1)
	f.rec.Handle(ctx, client.Event{Type: client.EventStarted, PromptID: job.PromptID, Seq: seq})
	for i := 0; i < n; i++ {
		seq++
		f.rec.Handle(ctx, client.Event{
			Type:     client.EventArtifact,
			PromptID: job.PromptID,
			Seq:      seq,
			Output:   &client.DataOutput{Filename: fmt.Sprintf("%s_%05d_.png", job.ID[:8], i+1), Type: "output"},
		})
	}
	seq++
	f.rec.Handle(ctx, client.Event{Type: client.EventSucceeded, PromptID: job.PromptID, Seq: seq})
}

func lightning(prompt string, batch int) SubmitRequest {
	return SubmitRequest{Params: workflow.Params{
		Kind:       workflow.KindImageGenerate,
		Model:      workflow.ModelQwenLightning,
		Aspect:     workflow.AspectSquare,
		Resolution: 768,
		BatchSize:  batch,
		Prompt:     prompt,
	}}
}

func TestLightningBatchAppearsUnderLightningFilter(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	job := f.submit(lightning("a lighthouse at dusk", 4))
	f.complete(job, 4)

	other := f.submit(SubmitRequest{Params: workflow.Params{
		Kind:   workflow.KindImageGenerate,
		Model:  workflow.ModelZImageTurbo,
		Prompt: "a teapot",
	}})
	f.complete(other, 1)

	done, err := f.p.Job(job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if done.State != store.StateCompleted || len(done.Artifacts) != 4 || done.ErrorKind != "" {
		t.Fatalf("job = %s with %d artifacts (%s)", done.State, len(done.Artifacts), done.ErrorKind)
	}

	jobs, err := f.p.Jobs(ctx, Filter{Preset: "Lightning"})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("Lightning filter returned %d jobs", len(jobs))
	}
	items, err := f.p.Gallery(ctx, Filter{Preset: "Lightning"})
	if err != nil {
		t.Fatalf("Gallery: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Lightning gallery has %d items, want 4", len(items))
	}
	history, err := f.p.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].JobID != job.ID || history[1].ArtifactCount != 4 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestJobsNewestFirstAndFiltered(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	first := f.submit(lightning("A Red Fox", 1))
	second := f.submit(lightning("a harbor at night", 1))

	all, err := f.p.Jobs(ctx, Filter{Preset: PresetAll})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID {
		t.Fatal("jobs not newest first")
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "query folds case", filter: Filter{Query: "red FOX"}, want: 1},
		{name: "model", filter: Filter{Model: "qwen-lightning"}, want: 2},
		{name: "other model", filter: Filter{Model: "Z-Image-Turbo"}, want: 0},
		{name: "mode", filter: Filter{Mode: "LIGHTNING"}, want: 2},
		{name: "recent", filter: Filter{Preset: PresetRecent}, want: 2},
		{name: "favorites", filter: Filter{Preset: PresetFavorites}, want: 0},
		{name: "video preset", filter: Filter{Preset: "video"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.p.Jobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Jobs: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d jobs, want %d", len(got), tt.want)
			}
		})
	}

	f.p.opts.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	stale, err := f.p.Jobs(ctx, Filter{Preset: PresetRecent})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("recent filter kept %d old jobs", len(stale))
	}
}

func TestFavoritesToggle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	job := f.submit(lightning("a koi pond", 2))
	f.complete(job, 2)

	a, err := f.p.ToggleFavorite(ctx, job.Artifacts[0])
	if err != nil || !a.Favorite {
		t.Fatalf("ToggleFavorite = %+v, %v", a, err)
	}
	favs, err := f.p.Gallery(ctx, Filter{Preset: PresetFavorites})
	if err != nil || len(favs) != 1 || favs[0].ID != a.ID {
		t.Fatalf("favorites gallery = %v, %v", favs, err)
	}
	jobs, err := f.p.Jobs(ctx, Filter{Preset: PresetFavorites})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("favorite jobs = %d, %v", len(jobs), err)
	}
	if a, err = f.p.ToggleFavorite(ctx, a.ID); err != nil || a.Favorite {
		t.Fatalf("second toggle = %+v, %v", a, err)
	}
	if _, err := f.p.ToggleFavorite(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelCurrent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.p.CancelCurrent(ctx); !errors.Is(err, ErrNothingToCancel) {
		t.Fatalf("expected ErrNothingToCancel, got %v", err)
	}
	first := f.submit(lightning("one", 1))
	second := f.submit(lightning("two", 1))
	f.rec.Handle(ctx, client.Event{Type: client.EventStarted, PromptID: second.PromptID, Seq: 1})

	job, err := f.p.CancelCurrent(ctx)
	if err != nil {
		t.Fatalf("CancelCurrent: %v", err)
	}
	if job.ID != second.ID || job.State != store.StateCancelled {
		t.Fatalf("cancelled %s in %s, want running job %s", job.ID, job.State, second.ID)
	}
	job, err = f.p.CancelCurrent(ctx)
	if err != nil || job.ID != first.ID {
		t.Fatalf("second CancelCurrent = %v, %v", job, err)
	}
}

func TestSubmitRefinesPrompt(t *testing.T) {
	r := &fakeRefiner{}
	f := newFixture(t, Options{Refiner: r, AutoUnload: true})
	seed := int64(42)
	req := lightning("a fox", 1)
	req.Seed = &seed
	req.Refine = true
	req.RefineMode = "stylize"

	job := f.submit(req)
	if job.Params.Prompt != "a fox, golden hour, highly detailed" || job.Seed != 42 {
		t.Fatalf("prompt %q seed %d", job.Params.Prompt, job.Seed)
	}
	if r.unloaded != 1 || len(r.modes) != 1 || r.modes[0] != refine.ModeStyle {
		t.Fatalf("refiner calls: unloaded=%d modes=%v", r.unloaded, r.modes)
	}
}

func TestSubmitFallsBackWhenRefineFails(t *testing.T) {
	r := &fakeRefiner{err: errors.New("connection refused")}
	f := newFixture(t, Options{Refiner: r, AutoUnload: true})
	req := lightning("a fox", 1)
	req.Refine = true
	job := f.submit(req)
	if job.Params.Prompt != "a fox" || r.unloaded != 0 {
		t.Fatalf("prompt %q unloaded %d", job.Params.Prompt, r.unloaded)
	}
}

func TestSubmitKeepsPromptWhenRefinedPromptIsInvalid(t *testing.T) {
	r := &fakeRefiner{suffix: strings.Repeat(" detailed", 600)}
	f := newFixture(t, Options{Refiner: r})
	req := lightning("a fox", 1)
	req.Refine = true
	job, err := f.p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Params.Prompt != "a fox" {
		t.Fatalf("prompt = %.40q", job.Params.Prompt)
	}
	if len(f.backend.submitted) != 1 || len(r.modes) != 1 {
		t.Fatalf("submitted %d, refined %d", len(f.backend.submitted), len(r.modes))
	}
}

func TestSubmitInvalidNeverReachesBackendOrRefiner(t *testing.T) {
	r := &fakeRefiner{}
	f := newFixture(t, Options{Refiner: r})
	req := lightning("a fox", 1)
	req.Resolution = 4096
	req.Refine = true
	if _, err := f.p.Submit(context.Background(), req); !errors.Is(err, workflow.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if len(f.backend.submitted) != 0 || len(r.modes) != 0 {
		t.Fatal("invalid request reached a collaborator")
	}
}

func TestSubmitWithPreset(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.submit(SubmitRequest{Params: workflow.Params{Prompt: "mountains"}, Preset: "wallpaper"})
	if job.Params.Model != workflow.ModelQwenLightning || job.Params.Resolution != 1024 {
		t.Fatalf("preset not applied: %+v", job.Params)
	}
}

func TestSubmitEditUploadsFirst(t *testing.T) {
	up := &fakeUploader{}
	f := newFixture(t, Options{Uploader: up})
	req := lightning("make it winter", 1)
	req.Kind = ""
	job, err := f.p.SubmitEdit(context.Background(), req, strings.NewReader("png bytes"), "cabin.png")
	if err != nil {
		t.Fatalf("SubmitEdit: %v", err)
	}
	if job.Kind != workflow.KindImageEdit || job.Params.InputImage != "uploads/cabin.png" || job.Mode != workflow.ModeEdit {
		t.Fatalf("unexpected edit job %+v", job.Params)
	}
	if len(up.names) != 1 {
		t.Fatalf("uploads = %v", up.names)
	}

	bad := lightning("make it winter", 1)
	bad.Model = workflow.ModelZImageTurbo
	if _, err := f.p.SubmitEdit(context.Background(), bad, strings.NewReader("x"), "cabin.png"); !errors.Is(err, workflow.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if len(up.names) != 1 {
		t.Fatal("rejected edit was uploaded")
	}
}

func TestRecentPromptsAndHistoryDelete(t *testing.T) {
	f := newFixture(t, Options{RecentPrompts: 2})
	ctx := context.Background()
	for _, p := range []string{"cat", "dog", "cat", "owl"} {
		f.complete(f.submit(lightning(p, 1)), 1)
	}
	recent, err := f.p.RecentPrompts(ctx)
	if err != nil {
		t.Fatalf("RecentPrompts: %v", err)
	}
	if len(recent) != 2 || recent[0] != "owl" || recent[1] != "cat" {
		t.Fatalf("recent = %v", recent)
	}
	history, err := f.p.History(ctx, 0)
	if err != nil || len(history) != 4 {
		t.Fatalf("history = %d, %v", len(history), err)
	}
	if err := f.p.DeleteHistory(ctx, history[0].ID); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	if err := f.p.DeleteHistory(ctx, history[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func pngWithText(key, value string) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{137, 80, 78, 71, 13, 10, 26, 10})
	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.WriteString(typ)
		buf.Write(data)
		buf.Write([]byte{0, 0, 0, 0})
	}
	chunk("tEXt", append([]byte(key+"\x00"), value...))
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestArtifactInfoReadsEmbeddedMetadata(t *testing.T) {
	data := pngWithText(workflow.PngInfoKey, `{"model":"Qwen-Lightning","mode":"lightning","seed":7,"prompt":"a fox"}`)
	f := newFixture(t, Options{
		Open: func(_ context.Context, a *store.Artifact) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	})
	job := f.submit(lightning("a fox", 1))
	f.complete(job, 1)

	detail, err := f.p.ArtifactInfo(context.Background(), job.Artifacts[0])
	if err != nil {
		t.Fatalf("ArtifactInfo: %v", err)
	}
	if detail.Metadata == nil || detail.Metadata.Seed != 7 || detail.Metadata.Prompt != "a fox" {
		t.Fatalf("metadata = %+v", detail.Metadata)
	}
	if _, err := f.p.ArtifactInfo(context.Background(), "nope"); !errors.Is(err, ErrUnknownArtifact) {
		t.Fatalf("expected ErrUnknownArtifact, got %v", err)
	}
}

func TestShortcuts(t *testing.T) {
	cases := map[string]Action{
		"Escape":     ActionCancelCurrent,
		"esc":        ActionCancelCurrent,
		"ctrl+enter": ActionSubmit,
		"Meta+Enter": ActionSubmit,
		"Cmd+Return": ActionSubmit,
	}
	for key, want := range cases {
		if got, ok := ActionForKey(key); !ok || got != want {
			t.Errorf("ActionForKey(%q) = %q, %v", key, got, ok)
		}
	}
	if _, ok := ActionForKey("Enter"); ok {
		t.Error("plain Enter should not be bound")
	}
	if ModeTitle("lightning") != "Lightning" {
		t.Errorf("ModeTitle = %q", ModeTitle("lightning"))
	}
}
