package refine

import "strings"

// Mode selects how a prompt is rewritten.
type Mode string

const (
	ModeRefine Mode = "refine"
	ModeExpand Mode = "expand"
	ModeStyle  Mode = "style"
)

// ParseMode maps user input to a Mode. Unknown values refine.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expand":
		return ModeExpand
	case "style", "stylize":
		return ModeStyle
	}
	return ModeRefine
}

var systemPrompts = map[Mode]string{
	ModeRefine: `You are an expert at writing prompts for AI image generation.
Take the user's simple prompt and enhance it with:
- Specific visual details (lighting, composition, style)
- Quality modifiers (highly detailed, sharp focus, etc.)
- Artistic style suggestions if appropriate
Keep the core subject but make it more descriptive and vivid.
Output ONLY the enhanced prompt, nothing else. Keep it under 100 words.`,

	ModeExpand: `You are an expert at writing prompts for AI image generation.
Take the user's prompt and significantly expand it with:
- Rich environmental details
- Atmospheric descriptions
- Specific artistic techniques
- Color palette suggestions
- Mood and tone modifiers
Output ONLY the expanded prompt, nothing else. Keep it under 150 words.`,

	ModeStyle: `You are an expert at writing prompts for AI image generation.
Take the user's prompt and add a creative artistic style to it.
Choose from: digital art, oil painting, watercolor, concept art, anime,
hyperrealistic photography, surrealist, impressionist, noir, vintage, cyberpunk, fantasy art.
Also add appropriate lighting and mood. Be creative and bold.
Output ONLY the styled prompt, nothing else. Keep it under 100 words.`,
}

// SystemPrompt returns the instruction sent for mode.
func SystemPrompt(mode Mode) string {
	if p, ok := systemPrompts[mode]; ok {
		return p
	}
	return systemPrompts[ModeRefine]
}

const answerPrefix = "Enhanced prompt:"

// Clean strips the wrapping small models tend to add around their answer.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if strings.HasPrefix(s, answerPrefix) {
		s = strings.TrimSpace(s[len(answerPrefix):])
	}
	return strings.TrimSpace(s)
}
