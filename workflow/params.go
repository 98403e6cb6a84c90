package workflow

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Aspect selects how the resolution maps to width and height.
type Aspect string

const (
	AspectSquare    Aspect = "square"
	AspectPortrait  Aspect = "portrait"
	AspectLandscape Aspect = "landscape"
)

// EditLoRA selects the optional LoRA applied to image edits.
type EditLoRA string

const (
	EditLoRANone    EditLoRA = ""
	EditLoRAAngles  EditLoRA = "angles"
	EditLoRAUpscale EditLoRA = "upscale"
)

// Params is the user-chosen parameter set for one job.
type Params struct {
	Kind           Kind     `json:"kind" validate:"required,oneof=image-generate image-edit video-generate"`
	Model          Model    `json:"model" validate:"required"`
	Aspect         Aspect   `json:"aspect,omitempty" validate:"omitempty,oneof=square portrait landscape"`
	Resolution     int      `json:"resolution,omitempty" validate:"gte=0"`
	Duration       int      `json:"duration,omitempty" validate:"gte=0"`
	Seed           *int64   `json:"seed,omitempty" validate:"omitempty,gte=0"`
	BatchSize      int      `json:"batch_size,omitempty" validate:"gte=0"`
	Prompt         string   `json:"prompt" validate:"required,max=4000"`
	NegativePrompt string   `json:"negative_prompt,omitempty" validate:"max=4000"`
	Sampler        string   `json:"sampler,omitempty"`
	Scheduler      string   `json:"scheduler,omitempty"`
	InputImage     string   `json:"input_image,omitempty"`
	EditLoRA       EditLoRA `json:"edit_lora,omitempty" validate:"omitempty,oneof=angles upscale"`
	AnglePrompt    string   `json:"angle_prompt,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// normalize fills defaults for unset fields from the model spec.
func (p Params) normalize(spec *ModelSpec) Params {
	p.Prompt = strings.TrimSpace(p.Prompt)
	p.NegativePrompt = strings.TrimSpace(p.NegativePrompt)
	p.Model = spec.Model
	if p.Aspect == "" {
		if spec.Video {
			p.Aspect = AspectLandscape
		} else {
			p.Aspect = AspectSquare
		}
	}
	if p.Resolution == 0 && p.Kind != KindImageEdit {
		p.Resolution = spec.DefaultResolution
	}
	if p.BatchSize == 0 {
		p.BatchSize = 1
	}
	if spec.Video && p.Duration == 0 {
		p.Duration = spec.DefaultDuration
	}
	if p.Sampler == "" {
		p.Sampler = spec.Sampler
	}
	if p.Scheduler == "" {
		p.Scheduler = spec.Scheduler
	}
	return p
}

// Validate checks p against the static rules and the bounds of its model.
// Every failure wraps ErrInvalidParameter.
func (p Params) Validate() error {
	_, _, err := p.resolve()
	return err
}

func (p Params) resolve() (Params, *ModelSpec, error) {
	if err := paramValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return p, nil, paramErr(fe.Field(), fe.Value(), "failed %q rule", fe.Tag())
		}
		return p, nil, paramErr("params", nil, "%v", err)
	}

	spec, ok := LookupModel(string(p.Model))
	if !ok {
		return p, nil, paramErr("model", p.Model, "unknown model")
	}
	p = p.normalize(spec)

	switch p.Kind {
	case KindImageGenerate:
		if spec.Video {
			return p, nil, paramErr("model", p.Model, "is a video model")
		}
	case KindVideoGenerate:
		if !spec.Video {
			return p, nil, paramErr("model", p.Model, "is not a video model")
		}
	case KindImageEdit:
		if !spec.Editable {
			return p, nil, paramErr("model", p.Model, "does not support image edit")
		}
		if strings.TrimSpace(p.InputImage) == "" {
			return p, nil, paramErr("input_image", nil, "required for image edit")
		}
	}

	if p.Kind != KindImageEdit {
		if p.Resolution < spec.MinResolution || p.Resolution > spec.MaxResolution {
			return p, nil, paramErr("resolution", p.Resolution, "must be within %d-%d for %s",
				spec.MinResolution, spec.MaxResolution, spec.Model)
		}
	}

	if spec.Video {
		if p.Duration < spec.MinDuration || p.Duration > spec.MaxDuration {
			return p, nil, paramErr("duration", p.Duration, "must be within %d-%d seconds for %s",
				spec.MinDuration, spec.MaxDuration, spec.Model)
		}
	} else if p.Duration != 0 {
		return p, nil, paramErr("duration", p.Duration, "only applies to video models")
	}

	if p.BatchSize < 1 || p.BatchSize > spec.MaxBatch {
		return p, nil, paramErr("batch_size", p.BatchSize, "must be within 1-%d for %s", spec.MaxBatch, spec.Model)
	}

	if !contains(Samplers, p.Sampler) {
		return p, nil, paramErr("sampler", p.Sampler, "unknown sampler")
	}
	if !contains(Schedulers, p.Scheduler) {
		return p, nil, paramErr("scheduler", p.Scheduler, "unknown scheduler")
	}

	if p.Seed != nil && *p.Seed >= maxSeed {
		return p, nil, paramErr("seed", *p.Seed, "must be below %d", maxSeed)
	}

	if p.Kind != KindImageEdit && (p.EditLoRA != EditLoRANone || p.AnglePrompt != "") {
		return p, nil, paramErr("edit_lora", p.EditLoRA, "only applies to image edit")
	}
	return p, spec, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
