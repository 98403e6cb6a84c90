package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/richinsley/comfyforge/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "comfyforge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(id string, prompt string) *Job {
	seed := int64(42)
	return &Job{
		ID:   id,
		Kind: workflow.KindImageGenerate,
		Params: workflow.Params{
			Kind:      workflow.KindImageGenerate,
			Model:     workflow.ModelQwenLightning,
			Prompt:    prompt,
			BatchSize: 4,
			Seed:      &seed,
		},
		Mode:        workflow.ModeLightning,
		Seed:        seed,
		Expected:    4,
		State:       StateQueued,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := newTestJob("job-1", "a lighthouse at dusk")
	job.PromptID = "p-1"
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil")
	}
	if got.PromptID != "p-1" || got.State != StateQueued || got.Expected != 4 {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Params.Model != workflow.ModelQwenLightning || got.Params.Seed == nil || *got.Params.Seed != 42 {
		t.Fatalf("params not restored: %+v", got.Params)
	}
	if got.Kind != workflow.KindImageGenerate {
		t.Fatalf("kind = %q", got.Kind)
	}
	if len(got.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %v", got.Artifacts)
	}

	missing, err := s.GetJob(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("GetJob(missing) = %v, %v", missing, err)
	}
}

func TestTransitionRecordsPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := newTestJob("job-1", "x")
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	now := time.Now().UTC()
	job.State = StateRunning
	job.StartedAt = &now
	if err := s.Transition(ctx, job, Transition{From: StateQueued, To: StateRunning}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	job.State = StateCompleted
	job.FinishedAt = &now
	if err := s.Transition(ctx, job, Transition{From: StateRunning, To: StateCompleted, Note: "done"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	path, err := s.Transitions(ctx, "job-1")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(path))
	}
	if path[0].To != StateRunning || path[1].To != StateCompleted || path[1].Note != "done" {
		t.Fatalf("unexpected path %+v", path)
	}

	got, _ := s.GetJob(ctx, "job-1")
	if got.State != StateCompleted || got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("state not persisted: %+v", got)
	}

	ghost := newTestJob("ghost", "x")
	if err := s.Transition(ctx, ghost, Transition{From: StateQueued, To: StateRunning}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsByState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, st := range []State{StateQueued, StateRunning, StateCompleted} {
		job := newTestJob(string(rune('a'+i)), "p")
		job.State = st
		if err := s.InsertJob(ctx, job); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	all, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("unexpected order %v", ids(all))
	}

	open, err := s.ListJobs(ctx, NonTerminalStates...)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 non-terminal jobs, got %v", ids(open))
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestAddArtifactIsUniquePerLocation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.InsertJob(ctx, newTestJob("job-1", "x")); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	first, created, err := s.AddArtifact(ctx, &Artifact{
		ID: "art-1", JobID: "job-1", Filename: "qwen_lightning_00001_.png", Kind: ArtifactImage,
		Model: "Qwen-Lightning", Mode: "lightning", Prompt: "x",
	})
	if err != nil || !created {
		t.Fatalf("AddArtifact = %v, %v", created, err)
	}

	dup, created, err := s.AddArtifact(ctx, &Artifact{
		ID: "art-2", JobID: "job-1", Filename: "qwen_lightning_00001_.png", Kind: ArtifactImage,
		Model: "Qwen-Lightning", Mode: "lightning", Prompt: "x",
	})
	if err != nil {
		t.Fatalf("AddArtifact duplicate: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Fatalf("duplicate created a new artifact: %+v", dup)
	}

	arts, err := s.ArtifactsForJob(ctx, "job-1")
	if err != nil || len(arts) != 1 {
		t.Fatalf("ArtifactsForJob = %d, %v", len(arts), err)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if len(job.Artifacts) != 1 || job.Artifacts[0] != "art-1" {
		t.Fatalf("job artifacts = %v", job.Artifacts)
	}
}

func TestFavorites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.InsertJob(ctx, newTestJob("job-1", "x")); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, _, err := s.AddArtifact(ctx, &Artifact{ID: "art-1", JobID: "job-1", Filename: "a.png", Kind: ArtifactImage}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	if err := s.SetFavorite(ctx, "art-1", true); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	a, err := s.GetArtifact(ctx, "art-1")
	if err != nil || a == nil || !a.Favorite {
		t.Fatalf("GetArtifact = %+v, %v", a, err)
	}
	if err := s.SetFavorite(ctx, "art-1", true); err != nil {
		t.Fatalf("SetFavorite unchanged value: %v", err)
	}
	if err := s.SetFavorite(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryAppendOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, id := range []string{"job-1", "job-2"} {
		if err := s.InsertJob(ctx, newTestJob(id, "prompt "+id)); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	entry := &HistoryEntry{JobID: "job-1", Prompt: "prompt job-1", Model: "Qwen-Lightning", Mode: "lightning", Seed: 42, ArtifactCount: 4}
	added, err := s.AppendHistory(ctx, entry)
	if err != nil || !added || entry.ID == 0 {
		t.Fatalf("AppendHistory = %v, %v (id %d)", added, err, entry.ID)
	}
	added, err = s.AppendHistory(ctx, &HistoryEntry{JobID: "job-1", Prompt: "again"})
	if err != nil || added {
		t.Fatalf("second AppendHistory = %v, %v", added, err)
	}
	if _, err := s.AppendHistory(ctx, &HistoryEntry{JobID: "job-2", Prompt: "prompt job-2"}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	entries, err := s.ListHistory(ctx, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "job-2" {
		t.Fatalf("unexpected history %+v", entries)
	}

	if err := s.DeleteHistory(ctx, entry.ID); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	if err := s.DeleteHistory(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if job, _ := s.GetJob(ctx, "job-1"); job == nil {
		t.Fatal("deleting history removed the job")
	}
}

func TestRecentPromptsDedup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	prompts := []string{"cat", "dog", "cat", "owl"}
	for i, p := range prompts {
		if err := s.InsertJob(ctx, newTestJob(string(rune('a'+i)), p)); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}
	got, err := s.RecentPrompts(ctx, 20)
	if err != nil {
		t.Fatalf("RecentPrompts: %v", err)
	}
	want := []string{"owl", "cat", "dog"}
	if len(got) != len(want) {
		t.Fatalf("RecentPrompts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RecentPrompts = %v, want %v", got, want)
		}
	}
}

func TestReopenKeepsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.InsertJob(context.Background(), newTestJob("job-1", "x")); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if job, err := s.GetJob(context.Background(), "job-1"); err != nil || job == nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
}
