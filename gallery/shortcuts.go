package gallery

import "strings"

// Action is a UI command that can be bound to a key.
type Action string

const (
	ActionCancelCurrent Action = "cancel_current"
	ActionSubmit        Action = "submit"
)

// Shortcut binds keys to an action.
type Shortcut struct {
	Keys        []string `json:"keys"`
	Action      Action   `json:"action"`
	Description string   `json:"description"`
}

var shortcuts = []Shortcut{
	{Keys: []string{"Escape"}, Action: ActionCancelCurrent, Description: "Cancel the running job"},
	{Keys: []string{"Ctrl+Enter", "Cmd+Enter"}, Action: ActionSubmit, Description: "Generate"},
}

// Shortcuts returns the keyboard bindings.
func Shortcuts() []Shortcut {
	retv := make([]Shortcut, len(shortcuts))
	for i, s := range shortcuts {
		s.Keys = append([]string(nil), s.Keys...)
		retv[i] = s
	}
	return retv
}

// ActionForKey resolves a key chord like "ctrl+enter" or "Meta+Enter".
func ActionForKey(key string) (Action, bool) {
	key = normalizeKey(key)
	for _, s := range shortcuts {
		for _, k := range s.Keys {
			if normalizeKey(k) == key {
				return s.Action, true
			}
		}
	}
	return "", false
}

func normalizeKey(key string) string {
	parts := strings.Split(strings.ToLower(strings.ReplaceAll(key, " ", "")), "+")
	for i, p := range parts {
		switch p {
		case "meta", "command", "⌘":
			parts[i] = "cmd"
		case "control":
			parts[i] = "ctrl"
		case "esc":
			parts[i] = "escape"
		case "return":
			parts[i] = "enter"
		}
	}
	return strings.Join(parts, "+")
}
