package workflow

import (
	"sort"
	"strings"
)

// Preset is a named starting point for image generation.
type Preset struct {
	Name       string `json:"name"`
	Model      Model  `json:"model"`
	Resolution int    `json:"resolution"`
	Aspect     Aspect `json:"aspect"`
}

var presets = map[string]Preset{
	"quick":      {Name: "quick", Model: ModelQwenLightning, Resolution: 512, Aspect: AspectSquare},
	"portrait":   {Name: "portrait", Model: ModelQwenLightning, Resolution: 768, Aspect: AspectPortrait},
	"landscape":  {Name: "landscape", Model: ModelQwenLightning, Resolution: 768, Aspect: AspectLandscape},
	"wallpaper":  {Name: "wallpaper", Model: ModelQwenLightning, Resolution: 1024, Aspect: AspectLandscape},
	"quality":    {Name: "quality", Model: ModelQwenNormal, Resolution: 768, Aspect: AspectSquare},
	"hd_quality": {Name: "hd_quality", Model: ModelQwenNormal, Resolution: 1024, Aspect: AspectSquare},
}

// Presets lists all presets sorted by name.
func Presets() []Preset {
	retv := make([]Preset, 0, len(presets))
	for _, p := range presets {
		retv = append(retv, p)
	}
	sort.Slice(retv, func(i, j int) bool { return retv[i].Name < retv[j].Name })
	return retv
}

// ApplyPreset fills model, resolution and aspect of p from the named preset.
func ApplyPreset(p Params, name string) (Params, error) {
	preset, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return p, paramErr("preset", name, "unknown preset")
	}
	if p.Kind == "" {
		p.Kind = KindImageGenerate
	}
	p.Model = preset.Model
	p.Resolution = preset.Resolution
	p.Aspect = preset.Aspect
	return p, nil
}
