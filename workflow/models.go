package workflow

import "strings"

// Kind is the category of generation work a job performs.
type Kind string

const (
	KindImageGenerate Kind = "image-generate"
	KindImageEdit     Kind = "image-edit"
	KindVideoGenerate Kind = "video-generate"
)

// Model is a user-selectable generation model.
type Model string

const (
	ModelQwenLightning Model = "Qwen-Lightning"
	ModelQwenNormal    Model = "Qwen-Normal"
	ModelZImageTurbo   Model = "Z-Image-Turbo"
	ModelLTX           Model = "video-LTX"
	ModelHunyuan       Model = "video-Hunyuan"
	ModelWan           Model = "video-Wan"
)

// Modes used for gallery filtering.
const (
	ModeLightning = "lightning"
	ModeNormal    = "normal"
	ModeTurbo     = "turbo"
	ModeEdit      = "edit"
	ModeVideo     = "video"
)

// ModelSpec holds the documented bounds and sampling defaults for a model.
type ModelSpec struct {
	Model             Model   `json:"model"`
	Title             string  `json:"title"`
	Video             bool    `json:"video"`
	Mode              string  `json:"mode"`
	MinResolution     int     `json:"min_resolution"`
	MaxResolution     int     `json:"max_resolution"`
	DefaultResolution int     `json:"default_resolution"`
	MaxBatch          int     `json:"max_batch"`
	MinDuration       int     `json:"min_duration,omitempty"`
	MaxDuration       int     `json:"max_duration,omitempty"`
	DefaultDuration   int     `json:"default_duration,omitempty"`
	FPS               int     `json:"fps,omitempty"`
	Steps             int     `json:"steps"`
	CFG               float64 `json:"cfg"`
	Sampler           string  `json:"sampler"`
	Scheduler         string  `json:"scheduler"`
	Editable          bool    `json:"editable"`
	// Align rounds derived dimensions down to a multiple of this value.
	Align int `json:"-"`

	build func(b *buildContext)
}

var modelSpecs = []*ModelSpec{
	{
		Model: ModelQwenLightning, Title: "Qwen Image Lightning", Mode: ModeLightning,
		MinResolution: 256, MaxResolution: 1536, DefaultResolution: 512, MaxBatch: 4,
		Steps: 4, CFG: 1.0, Sampler: "euler", Scheduler: "normal", Editable: true, Align: 1,
		build: buildQwen,
	},
	{
		Model: ModelQwenNormal, Title: "Qwen Image", Mode: ModeNormal,
		MinResolution: 256, MaxResolution: 1536, DefaultResolution: 768, MaxBatch: 4,
		Steps: 30, CFG: 5.0, Sampler: "euler", Scheduler: "normal", Editable: true, Align: 1,
		build: buildQwen,
	},
	{
		Model: ModelZImageTurbo, Title: "Z-Image Turbo", Mode: ModeTurbo,
		MinResolution: 512, MaxResolution: 2048, DefaultResolution: 1024, MaxBatch: 4,
		Steps: 8, CFG: 1.0, Sampler: "res_multistep", Scheduler: "simple", Align: 16,
		build: buildZImageTurbo,
	},
	{
		Model: ModelLTX, Title: "LTX Video", Video: true, Mode: ModeVideo,
		MinResolution: 256, MaxResolution: 1280, DefaultResolution: 768, MaxBatch: 1,
		MinDuration: 1, MaxDuration: 10, DefaultDuration: 4, FPS: 24,
		Steps: 30, CFG: 3.0, Sampler: "euler", Scheduler: "normal", Align: 32,
		build: buildLTX,
	},
	{
		Model: ModelHunyuan, Title: "HunyuanVideo", Video: true, Mode: ModeVideo,
		MinResolution: 256, MaxResolution: 1024, DefaultResolution: 848, MaxBatch: 1,
		MinDuration: 1, MaxDuration: 5, DefaultDuration: 3, FPS: 24,
		Steps: 20, CFG: 1.0, Sampler: "euler", Scheduler: "simple", Align: 16,
		build: buildHunyuan,
	},
	{
		Model: ModelWan, Title: "Wan 2.1", Video: true, Mode: ModeVideo,
		MinResolution: 256, MaxResolution: 1024, DefaultResolution: 832, MaxBatch: 1,
		MinDuration: 1, MaxDuration: 5, DefaultDuration: 3, FPS: 16,
		Steps: 30, CFG: 6.0, Sampler: "uni_pc", Scheduler: "simple", Align: 16,
		build: buildWan,
	},
}

// Samplers accepted for the sampler parameter.
var Samplers = []string{
	"euler", "euler_ancestral", "heun", "dpm_2", "dpm_2_ancestral", "lms", "dpm_fast",
	"dpm_adaptive", "dpmpp_2s_ancestral", "dpmpp_sde", "dpmpp_2m", "res_multistep", "uni_pc",
}

// Schedulers accepted for the scheduler parameter.
var Schedulers = []string{"normal", "karras", "exponential", "sgm_uniform", "simple", "ddim_uniform"}

// Models returns the specs of every supported model in display order.
func Models() []ModelSpec {
	retv := make([]ModelSpec, len(modelSpecs))
	for i, s := range modelSpecs {
		retv[i] = *s
	}
	return retv
}

// LookupModel finds a model spec by name, ignoring case and surrounding space.
func LookupModel(name string) (*ModelSpec, bool) {
	name = strings.TrimSpace(name)
	for _, s := range modelSpecs {
		if strings.EqualFold(string(s.Model), name) {
			return s, true
		}
	}
	return nil, false
}

// ModeFor returns the gallery mode of a kind/model pair.
func ModeFor(kind Kind, model Model) string {
	if kind == KindImageEdit {
		return ModeEdit
	}
	if s, ok := LookupModel(string(model)); ok {
		return s.Mode
	}
	return ""
}
