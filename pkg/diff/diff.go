// Package diff compares pre- and post-change command captures of one device.
package diff

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// ContextLines is the number of unchanged lines around each hunk.
const ContextLines = 3

// CommandDiff is the comparison of one command's two outputs.
type CommandDiff struct {
	Command string   `json:"command"`
	Changed bool     `json:"has_changes"`
	Diff    []string `json:"diff,omitempty"`
}

// Report is the comparison of one device's captures. Pairs whose command
// text disagrees are not counted.
type Report struct {
	TotalCommands       int           `json:"total_commands"`
	CommandsWithChanges int           `json:"changes"`
	Commands            []CommandDiff `json:"commands"`
}

// Diffs returns the unified diff of every changed command keyed by command.
func (r Report) Diffs() map[string][]string {
	out := make(map[string][]string, r.CommandsWithChanges)
	for _, c := range r.Commands {
		if c.Changed {
			out[c.Command] = c.Diff
		}
	}
	return out
}

// Compare pairs pre and post outputs by execution order. Unpaired trailing
// outputs on the longer side are ignored.
func Compare(pre, post []model.CommandOutput) Report {
	pre = sortedByOrder(pre)
	post = sortedByOrder(post)

	n := len(pre)
	if len(post) < n {
		n = len(post)
	}

	var r Report
	for i := 0; i < n; i++ {
		if pre[i].Command != post[i].Command {
			continue
		}
		lines := Unified(pre[i].Command, pre[i].Output, post[i].Output)
		cd := CommandDiff{Command: pre[i].Command, Changed: len(lines) > 0, Diff: lines}
		r.TotalCommands++
		if cd.Changed {
			r.CommandsWithChanges++
		}
		r.Commands = append(r.Commands, cd)
	}
	return r
}

// Unified returns the unified diff of two outputs of command, one element
// per line with no terminators. Identical outputs yield nil.
func Unified(command, pre, post string) []string {
	a := util.SplitLines(pre)
	b := util.SplitLines(post)
	if equalLines(a, b) {
		return nil
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        terminate(a),
		B:        terminate(b),
		FromFile: "pre_" + command,
		ToFile:   "post_" + command,
		Context:  ContextLines,
	})
	if err != nil || text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// ClassifyDevice derives a device's diff status from its postcheck.
func ClassifyDevice(post *model.PostCheck) model.CheckStatus {
	if post == nil {
		return model.CheckPending
	}
	return post.Status
}

// terminate appends newlines so difflib's line writer keeps lines apart.
func terminate(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedByOrder(outputs []model.CommandOutput) []model.CommandOutput {
	s := append([]model.CommandOutput(nil), outputs...)
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].ExecutionOrder < s[j].ExecutionOrder
	})
	return s
}
