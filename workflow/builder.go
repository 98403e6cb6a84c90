// Package workflow turns validated generation parameters into ComfyUI API prompts.
package workflow

import (
	"fmt"
	"math/rand/v2"

	"github.com/richinsley/comfyforge/graphapi"
)

// Seeds are drawn from [0, maxSeed) when the caller leaves the seed unset.
const maxSeed int64 = 999999999

// PngInfoKey is the extra_pnginfo key carrying job metadata into saved images.
const PngInfoKey = "comfyforge"

// seedSource is swapped by tests for deterministic output.
var seedSource = func() int64 { return rand.Int64N(maxSeed) }

// Descriptor is the result of a successful Build: the normalized parameters
// plus the backend graph ready for submission.
type Descriptor struct {
	Params Params           `json:"params"`
	Mode   string           `json:"mode"`
	Seed   int64            `json:"seed"`
	Width  int              `json:"width"`
	Height int              `json:"height"`
	Frames int              `json:"frames,omitempty"`
	FPS    int              `json:"fps,omitempty"`
	Prompt *graphapi.Prompt `json:"-"`
}

// Expected is the number of artifacts a successful run should produce.
func (d *Descriptor) Expected() int {
	return d.Params.BatchSize
}

type buildContext struct {
	spec   *ModelSpec
	params Params
	seed   int64
	width  int
	height int
	frames int
	prompt *graphapi.Prompt
}

func (b *buildContext) node(id string, classType string, inputs map[string]interface{}) {
	b.prompt.AddNode(id, classType, inputs)
}

func link(id string, slot int) graphapi.Link {
	return graphapi.NewLink(id, slot)
}

// Build validates p and produces the descriptor for one job. The returned
// error wraps ErrInvalidParameter when p is rejected.
func Build(p Params) (*Descriptor, error) {
	p, spec, err := p.resolve()
	if err != nil {
		return nil, err
	}

	var seed int64
	if p.Seed != nil {
		seed = *p.Seed
	} else {
		seed = seedSource()
		p.Seed = &seed
	}

	b := &buildContext{
		spec:   spec,
		params: p,
		seed:   seed,
		prompt: graphapi.NewPrompt(),
	}
	if p.Kind != KindImageEdit {
		b.width, b.height = Dimensions(p.Resolution, p.Aspect, spec.Align)
	}
	if spec.Video {
		b.frames = FrameCount(p.Duration, spec.FPS)
	}

	if p.Kind == KindImageEdit {
		buildQwenEdit(b)
	} else {
		spec.build(b)
	}

	mode := ModeFor(p.Kind, spec.Model)
	b.prompt.SetPngInfo(PngInfoKey, map[string]interface{}{
		"model":  string(spec.Model),
		"mode":   mode,
		"seed":   seed,
		"prompt": p.Prompt,
	})

	if err := b.prompt.Validate(); err != nil {
		return nil, fmt.Errorf("building %s prompt: %w", spec.Model, err)
	}

	d := &Descriptor{
		Params: p,
		Mode:   mode,
		Seed:   seed,
		Width:  b.width,
		Height: b.height,
		Frames: b.frames,
		Prompt: b.prompt,
	}
	if spec.Video {
		d.FPS = spec.FPS
	}
	return d, nil
}

// Dimensions maps a resolution and aspect onto width and height. The long
// edge is the resolution and the short edge is 66% of it, both rounded down
// to a multiple of align.
func Dimensions(resolution int, aspect Aspect, align int) (int, int) {
	short := int(float64(resolution) * 0.66)
	w, h := resolution, resolution
	switch aspect {
	case AspectPortrait:
		w = short
	case AspectLandscape:
		h = short
	}
	if align > 1 {
		w -= w % align
		h -= h % align
	}
	return w, h
}

// FrameCount returns the number of frames rendered for a clip of the given
// duration; the extra frame is the conditioning frame the video models expect.
func FrameCount(seconds int, fps int) int {
	return seconds*fps + 1
}
