package workflow

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/richinsley/comfyforge/graphapi"
)

func fixedSeed(t *testing.T, v int64) {
	t.Helper()
	old := seedSource
	seedSource = func() int64 { return v }
	t.Cleanup(func() { seedSource = old })
}

func int64p(v int64) *int64 { return &v }

func mustBuild(t *testing.T, p Params) *Descriptor {
	t.Helper()
	d, err := Build(p)
	if err != nil {
		t.Fatalf("Build(%+v): %v", p, err)
	}
	return d
}

func inputOf(t *testing.T, p *graphapi.Prompt, id, name string) interface{} {
	t.Helper()
	n := p.GetNode(id)
	if n == nil {
		t.Fatalf("node %s missing", id)
	}
	return n.Inputs[name]
}

func TestBuildQwenLightningBatch(t *testing.T) {
	d := mustBuild(t, Params{
		Kind:       KindImageGenerate,
		Model:      ModelQwenLightning,
		Resolution: 768,
		Aspect:     AspectSquare,
		BatchSize:  4,
		Seed:       int64p(1234),
		Prompt:     "a lighthouse at dusk",
	})

	if d.Width != 768 || d.Height != 768 {
		t.Fatalf("dimensions %dx%d", d.Width, d.Height)
	}
	if d.Expected() != 4 || d.Mode != ModeLightning {
		t.Fatalf("expected 4 artifacts in lightning mode, got %d %s", d.Expected(), d.Mode)
	}
	if got := inputOf(t, d.Prompt, "7", "batch_size"); got != 4 {
		t.Fatalf("batch_size = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "steps"); got != 4 {
		t.Fatalf("steps = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "seed"); got != int64(1234) {
		t.Fatalf("seed = %v", got)
	}
	model := inputOf(t, d.Prompt, "8", "model").(graphapi.Link)
	if model[0] != "12" {
		t.Fatalf("KSampler should sample through the lightning LoRA, got %v", model)
	}
	if got := inputOf(t, d.Prompt, "11", "filename_prefix"); got != "qwen_lightning" {
		t.Fatalf("filename_prefix = %v", got)
	}
	if d.Prompt.ExtraData.PngInfo[PngInfoKey] == nil {
		t.Fatal("expected job metadata in extra_pnginfo")
	}
}

func TestBuildQwenNormalHasNoLightningLoRA(t *testing.T) {
	d := mustBuild(t, Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Prompt: "cat", Seed: int64p(1)})
	if d.Prompt.GetNode("12") != nil {
		t.Fatal("normal mode must not load the lightning LoRA")
	}
	if got := inputOf(t, d.Prompt, "8", "steps"); got != 30 {
		t.Fatalf("steps = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "cfg"); got != 5.0 {
		t.Fatalf("cfg = %v", got)
	}
}

func TestDimensions(t *testing.T) {
	cases := []struct {
		res    int
		aspect Aspect
		align  int
		w, h   int
	}{
		{768, AspectSquare, 1, 768, 768},
		{768, AspectPortrait, 1, 506, 768},
		{1024, AspectLandscape, 1, 1024, 675},
		{768, AspectLandscape, 32, 768, 480},
		{832, AspectLandscape, 16, 832, 544},
	}
	for _, c := range cases {
		w, h := Dimensions(c.res, c.aspect, c.align)
		if w != c.w || h != c.h {
			t.Errorf("Dimensions(%d, %s, %d) = %dx%d, want %dx%d", c.res, c.aspect, c.align, w, h, c.w, c.h)
		}
	}
}

func TestBuildRejectsOutOfBounds(t *testing.T) {
	cases := []struct {
		name  string
		p     Params
		field string
	}{
		{"qwen resolution high", Params{Kind: KindImageGenerate, Model: ModelQwenLightning, Resolution: 1537, Prompt: "x"}, "resolution"},
		{"turbo resolution low", Params{Kind: KindImageGenerate, Model: ModelZImageTurbo, Resolution: 256, Prompt: "x"}, "resolution"},
		{"ltx duration", Params{Kind: KindVideoGenerate, Model: ModelLTX, Duration: 11, Prompt: "x"}, "duration"},
		{"wan resolution", Params{Kind: KindVideoGenerate, Model: ModelWan, Resolution: 1280, Prompt: "x"}, "resolution"},
		{"video batch", Params{Kind: KindVideoGenerate, Model: ModelHunyuan, BatchSize: 2, Prompt: "x"}, "batch_size"},
		{"image batch", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, BatchSize: 5, Prompt: "x"}, "batch_size"},
		{"empty prompt", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Prompt: ""}, "prompt"},
		{"unknown model", Params{Kind: KindImageGenerate, Model: "SDXL", Prompt: "x"}, "model"},
		{"video model for image", Params{Kind: KindImageGenerate, Model: ModelLTX, Prompt: "x"}, "model"},
		{"sampler", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Sampler: "ddpm_magic", Prompt: "x"}, "sampler"},
		{"scheduler", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Scheduler: "linear", Prompt: "x"}, "scheduler"},
		{"seed", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Seed: int64p(maxSeed), Prompt: "x"}, "seed"},
		{"aspect", Params{Kind: KindImageGenerate, Model: ModelQwenNormal, Aspect: "wide", Prompt: "x"}, "aspect"},
		{"edit on turbo", Params{Kind: KindImageEdit, Model: ModelZImageTurbo, InputImage: "in.png", Prompt: "x"}, "model"},
		{"edit without image", Params{Kind: KindImageEdit, Model: ModelQwenLightning, Prompt: "x"}, "input_image"},
		{"lora outside edit", Params{Kind: KindImageGenerate, Model: ModelQwenLightning, EditLoRA: EditLoRAUpscale, Prompt: "x"}, "edit_lora"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Build(c.p)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("expected ErrInvalidParameter, got %v", err)
			}
			var perr *ParamError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParamError, got %T", err)
			}
			if perr.Field != c.field {
				t.Fatalf("field = %q, want %q (%v)", perr.Field, c.field, err)
			}
		})
	}
}

func TestParamErrorShortensLongValues(t *testing.T) {
	long := strings.Repeat("a red fox ", 500)
	_, err := Build(Params{Kind: KindImageGenerate, Model: ModelQwenLightning, Prompt: long})
	var perr *ParamError
	if !errors.As(err, &perr) || perr.Field != "prompt" {
		t.Fatalf("expected prompt ParamError, got %v", err)
	}
	msg := err.Error()
	if strings.Contains(msg, long) || !strings.Contains(msg, "…") {
		t.Fatalf("message repeats the whole value: %d bytes", len(msg))
	}
	if n := utf8.RuneCountInString(msg); n > 200 {
		t.Fatalf("message has %d runes", n)
	}
	if perr.Value != long {
		t.Fatal("ParamError.Value should keep the full value")
	}
}

func TestBuildBoundsInclusive(t *testing.T) {
	for _, p := range []Params{
		{Kind: KindImageGenerate, Model: ModelQwenLightning, Resolution: 256, Prompt: "x"},
		{Kind: KindImageGenerate, Model: ModelQwenLightning, Resolution: 1536, BatchSize: 4, Prompt: "x"},
		{Kind: KindImageGenerate, Model: ModelZImageTurbo, Resolution: 2048, Prompt: "x"},
		{Kind: KindVideoGenerate, Model: ModelLTX, Resolution: 1280, Duration: 10, Prompt: "x"},
		{Kind: KindVideoGenerate, Model: ModelHunyuan, Resolution: 1024, Duration: 5, Prompt: "x"},
	} {
		if _, err := Build(p); err != nil {
			t.Errorf("Build(%s %d): %v", p.Model, p.Resolution, err)
		}
	}
}

func TestBuildGeneratesSeed(t *testing.T) {
	fixedSeed(t, 42)
	d := mustBuild(t, Params{Kind: KindImageGenerate, Model: ModelZImageTurbo, Prompt: "fox"})
	if d.Seed != 42 || d.Params.Seed == nil || *d.Params.Seed != 42 {
		t.Fatalf("seed not recorded: %d %v", d.Seed, d.Params.Seed)
	}
	if got := inputOf(t, d.Prompt, "8", "seed"); got != int64(42) {
		t.Fatalf("KSampler seed = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "sampler_name"); got != "res_multistep" {
		t.Fatalf("sampler = %v", got)
	}
	if d.Prompt.GetNode("4").ClassType != "ModelSamplingAuraFlow" {
		t.Fatal("turbo samples through ModelSamplingAuraFlow")
	}
}

func TestBuildEdit(t *testing.T) {
	d := mustBuild(t, Params{
		Kind:       KindImageEdit,
		Model:      ModelQwenLightning,
		InputImage: "upload_1.png",
		Prompt:     "make it snow",
		BatchSize:  3,
		EditLoRA:   EditLoRAUpscale,
		Seed:       int64p(7),
	})
	if d.Mode != ModeEdit {
		t.Fatalf("mode = %s", d.Mode)
	}
	if got := inputOf(t, d.Prompt, "5", "unet_name"); got != qwenEditUnet {
		t.Fatalf("unet = %v", got)
	}
	if got := inputOf(t, d.Prompt, "1", "image"); got != "upload_1.png" {
		t.Fatalf("image = %v", got)
	}
	if got := inputOf(t, d.Prompt, "13", "amount"); got != 3 {
		t.Fatalf("repeat amount = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "steps"); got != editUpscaleSteps {
		t.Fatalf("steps = %v", got)
	}
	if got := inputOf(t, d.Prompt, "8", "denoise"); got != editUpscaleDenoise {
		t.Fatalf("denoise = %v", got)
	}
	if got := inputOf(t, d.Prompt, "12", "lora_name"); got != qwenUpscaleLoRA {
		t.Fatalf("lora = %v", got)
	}
}

func TestBuildEditAnglesPrependsAnglePrompt(t *testing.T) {
	d := mustBuild(t, Params{
		Kind:        KindImageEdit,
		Model:       ModelQwenNormal,
		InputImage:  "in.png",
		Prompt:      "same person",
		EditLoRA:    EditLoRAAngles,
		AnglePrompt: "view from the left",
	})
	if got := inputOf(t, d.Prompt, "4", "text"); got != "view from the left, same person" {
		t.Fatalf("positive = %v", got)
	}
	if d.Prompt.GetNode("13") != nil {
		t.Fatal("single edit must not repeat the latent")
	}
	if got := inputOf(t, d.Prompt, "8", "steps"); got != editSteps {
		t.Fatalf("steps = %v", got)
	}
}

func TestBuildVideo(t *testing.T) {
	d := mustBuild(t, Params{Kind: KindVideoGenerate, Model: ModelLTX, Duration: 4, Prompt: "waves"})
	if d.Frames != 97 || d.FPS != 24 {
		t.Fatalf("frames %d fps %d", d.Frames, d.FPS)
	}
	if d.Width != 768 || d.Height != 480 {
		t.Fatalf("dimensions %dx%d", d.Width, d.Height)
	}
	if got := inputOf(t, d.Prompt, "6", "length"); got != 97 {
		t.Fatalf("length = %v", got)
	}
	if len(d.Prompt.NodesWithClass("SaveWEBM")) != 1 {
		t.Fatal("expected one SaveWEBM node")
	}

	w := mustBuild(t, Params{Kind: KindVideoGenerate, Model: ModelWan, Duration: 2, Prompt: "waves"})
	if w.Frames != 33 {
		t.Fatalf("wan frames = %d", w.Frames)
	}
	if got := inputOf(t, w.Prompt, "8", "sampler_name"); got != "uni_pc" {
		t.Fatalf("wan sampler = %v", got)
	}
}

func TestApplyPreset(t *testing.T) {
	p, err := ApplyPreset(Params{Prompt: "x"}, "Wallpaper")
	if err != nil {
		t.Fatal(err)
	}
	if p.Model != ModelQwenLightning || p.Resolution != 1024 || p.Aspect != AspectLandscape || p.Kind != KindImageGenerate {
		t.Fatalf("unexpected preset params %+v", p)
	}
	if _, err := ApplyPreset(p, "cinema"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if len(Presets()) != 6 {
		t.Fatalf("expected 6 presets")
	}
}
