package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScript marks a script rejected before any OS call.
var ErrInvalidScript = errors.New("invalid script")

// Spec describes a process launch. It is retained verbatim so a restart can replay it.
type Spec struct {
	Name   string            `json:"name,omitempty"`
	Script string            `json:"script"`
	Args   []string          `json:"args,omitempty"`
	Cwd    string            `json:"cwd"`
	Envs   map[string]string `json:"envs,omitempty"`
}

// Command renders the script and its arguments as one line.
func (s Spec) Command() string {
	if len(s.Args) == 0 {
		return s.Script
	}
	return s.Script + " " + strings.Join(s.Args, " ")
}

// DisplayName is the configured name or, when empty, the command line.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command()
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	c := s
	if s.Args != nil {
		c.Args = append([]string(nil), s.Args...)
	}
	if s.Envs != nil {
		c.Envs = make(map[string]string, len(s.Envs))
		for k, v := range s.Envs {
			c.Envs[k] = v
		}
	}
	return c
}

// ValidateScript rejects scripts that would be split ambiguously into a command
// and its arguments, or that look like an inline environment assignment.
func ValidateScript(script string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("%w: script must not be empty", ErrInvalidScript)
	}
	if strings.Contains(script, " ") {
		parts := strings.Fields(script)
		quoted := make([]string, 0, len(parts)-1)
		for _, p := range parts[1:] {
			quoted = append(quoted, fmt.Sprintf("%q", p))
		}
		return fmt.Errorf(`%w: script must not contain spaces, pass arguments separately, e.g. script: %q, args: [%s]`,
			ErrInvalidScript, parts[0], strings.Join(quoted, ", "))
	}
	if strings.Contains(script, "=") {
		return fmt.Errorf(`%w: script must not contain "=", set environment variables with the "envs" field instead`, ErrInvalidScript)
	}
	return nil
}
