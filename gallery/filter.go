package gallery

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

// Filter presets besides the mode names.
const (
	PresetAll       = "all"
	PresetRecent    = "recent"
	PresetFavorites = "favorites"
)

// RecentWindow is how far back the recent preset looks.
const RecentWindow = 24 * time.Hour

// Filter narrows the job list and the gallery. Empty fields match everything.
type Filter struct {
	Model  string `json:"model,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Preset string `json:"preset,omitempty"`
	Query  string `json:"query,omitempty"`
}

var folder = cases.Fold()

func fold(s string) string {
	return folder.String(strings.TrimSpace(s))
}

// matcher is a Filter with its strings folded once.
type matcher struct {
	model     string
	mode      string
	query     string
	favorites bool
	since     time.Time
}

func (f Filter) compile(now time.Time) matcher {
	m := matcher{
		model: fold(f.Model),
		mode:  fold(f.Mode),
		query: fold(f.Query),
	}
	switch preset := fold(f.Preset); preset {
	case "", PresetAll:
	case PresetRecent:
		m.since = now.Add(-RecentWindow)
	case PresetFavorites:
		m.favorites = true
	default:
		// any other preset names a mode, e.g. "Lightning"
		m.mode = preset
	}
	return m
}

func (m matcher) match(model, mode, prompt string, at time.Time, favorite bool) bool {
	if m.model != "" && fold(model) != m.model {
		return false
	}
	if m.mode != "" && fold(mode) != m.mode {
		return false
	}
	if !m.since.IsZero() && at.Before(m.since) {
		return false
	}
	if m.favorites && !favorite {
		return false
	}
	if m.query != "" && !strings.Contains(fold(prompt), m.query) && !strings.Contains(fold(model), m.query) {
		return false
	}
	return true
}

func (m matcher) matchJob(job *store.Job, favorite bool) bool {
	return m.match(string(job.Params.Model), job.Mode, job.Params.Prompt, job.SubmittedAt, favorite)
}

func (m matcher) matchArtifact(a *store.Artifact) bool {
	return m.match(a.Model, a.Mode, a.Prompt, a.CreatedAt, a.Favorite)
}

var titler = cases.Title(language.Und)

// ModeTitle returns the display label of a gallery mode.
func ModeTitle(mode string) string {
	return titler.String(mode)
}

// Modes lists the mode names accepted as filter presets.
func Modes() []string {
	return []string{
		workflow.ModeLightning,
		workflow.ModeNormal,
		workflow.ModeTurbo,
		workflow.ModeEdit,
		workflow.ModeVideo,
	}
}
