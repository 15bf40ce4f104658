// Package policy enforces the read-only command allow-list. Every command is
// checked before any device session is opened, so a rejected command never
// reaches hardware.
package policy

import (
	"strings"

	"github.com/newtron-network/newtcheck/pkg/util"
)

// ReadOnlyVerbs are the command verbs a device may be sent. A command is
// allowed when it is exactly one of these or one of these followed by a space.
var ReadOnlyVerbs = []string{"show", "list", "display", "tmsh", "cat"}

// Result is the outcome of validating a command list.
type Result struct {
	Accepted []string
	Rejected []string
}

// OK returns true when no command was rejected.
func (r Result) OK() bool {
	return len(r.Rejected) == 0
}

// Err returns a *util.ValidationError naming every rejected command, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return util.NewInvalidCommandError(r.Rejected)
}

// Allowed reports whether a single command passes the read-only policy.
func Allowed(command string) bool {
	cmd := strings.ToLower(strings.TrimSpace(command))
	for _, verb := range ReadOnlyVerbs {
		if cmd == verb || strings.HasPrefix(cmd, verb+" ") {
			return true
		}
	}
	return false
}

// Validate classifies each command. Both lists hold the trimmed command text
// in input order. It has no side effects.
func Validate(commands []string) Result {
	var r Result
	for _, c := range commands {
		trimmed := strings.TrimSpace(c)
		if Allowed(trimmed) {
			r.Accepted = append(r.Accepted, trimmed)
		} else {
			r.Rejected = append(r.Rejected, trimmed)
		}
	}
	return r
}
