package diff

import (
	"reflect"
	"testing"

	"github.com/newtron-network/newtcheck/pkg/model"
)

func outputs(pairs ...string) []model.CommandOutput {
	var out []model.CommandOutput
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.CommandOutput{Command: pairs[i], Output: pairs[i+1], ExecutionOrder: i / 2})
	}
	return out
}

func TestUnified_Identical(t *testing.T) {
	if got := Unified("show version", "a\nb\n", "a\nb"); got != nil {
		t.Errorf("Unified() = %v, want nil", got)
	}
	if got := Unified("show version", "", ""); got != nil {
		t.Errorf("Unified(empty) = %v, want nil", got)
	}
	if got := Unified("show version", "a\r\nb\r\n", "a\nb\n"); got != nil {
		t.Errorf("Unified(crlf) = %v, want nil", got)
	}
}

func TestUnified_VersionChange(t *testing.T) {
	got := Unified("show version", "Version 15.1\nBuild 0.0.4\n", "Version 15.1.8\nBuild 0.0.4\n")
	want := []string{
		"--- pre_show version",
		"+++ post_show version",
		"@@ -1,2 +1,2 @@",
		"-Version 15.1",
		"+Version 15.1.8",
		" Build 0.0.4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unified() =\n%q\nwant\n%q", got, want)
	}
}

func TestUnified_ContextWindow(t *testing.T) {
	pre := "1\n2\n3\n4\n5\n6\n7\n8\n9\n"
	post := "1\n2\n3\n4\nX\n6\n7\n8\n9\n"
	got := Unified("cat /config/bigip.conf", pre, post)
	want := []string{
		"--- pre_cat /config/bigip.conf",
		"+++ post_cat /config/bigip.conf",
		"@@ -2,7 +2,7 @@",
		" 2",
		" 3",
		" 4",
		"-5",
		"+X",
		" 6",
		" 7",
		" 8",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unified() =\n%q\nwant\n%q", got, want)
	}
}

func TestCompare_NoChanges(t *testing.T) {
	pre := outputs("show version", "v1", "show clock", "noon")
	post := outputs("show version", "v1", "show clock", "noon")

	r := Compare(pre, post)
	if r.TotalCommands != 2 {
		t.Errorf("TotalCommands = %d, want 2", r.TotalCommands)
	}
	if r.CommandsWithChanges != 0 {
		t.Errorf("CommandsWithChanges = %d, want 0", r.CommandsWithChanges)
	}
	for _, c := range r.Commands {
		if c.Changed || c.Diff != nil {
			t.Errorf("%s: Changed = %v, Diff = %v", c.Command, c.Changed, c.Diff)
		}
	}
	if len(r.Diffs()) != 0 {
		t.Errorf("Diffs() = %v, want empty", r.Diffs())
	}
}

func TestCompare_OneChanged(t *testing.T) {
	pre := outputs("show version", "15.1", "show clock", "noon")
	post := outputs("show version", "15.1.8", "show clock", "noon")

	r := Compare(pre, post)
	if r.TotalCommands != 2 || r.CommandsWithChanges != 1 {
		t.Fatalf("Total/Changes = %d/%d, want 2/1", r.TotalCommands, r.CommandsWithChanges)
	}
	diffs := r.Diffs()
	if _, ok := diffs["show version"]; !ok {
		t.Errorf("Diffs() missing show version: %v", diffs)
	}
	if _, ok := diffs["show clock"]; ok {
		t.Error("Diffs() should not contain unchanged show clock")
	}
}

func TestCompare_SortsByExecutionOrder(t *testing.T) {
	pre := []model.CommandOutput{
		{Command: "show b", Output: "b", ExecutionOrder: 1},
		{Command: "show a", Output: "a", ExecutionOrder: 0},
	}
	post := outputs("show a", "a", "show b", "b2")

	r := Compare(pre, post)
	if r.TotalCommands != 2 {
		t.Fatalf("TotalCommands = %d, want 2", r.TotalCommands)
	}
	if r.Commands[0].Command != "show a" || r.Commands[1].Command != "show b" {
		t.Errorf("order = %q, %q", r.Commands[0].Command, r.Commands[1].Command)
	}
	if !r.Commands[1].Changed {
		t.Error("show b should be changed")
	}
}

func TestCompare_MismatchedCommandSkipped(t *testing.T) {
	pre := outputs("show a", "1", "show b", "2", "show c", "3")
	post := outputs("show a", "1", "show x", "9", "show c", "4")

	r := Compare(pre, post)
	if r.TotalCommands != 2 {
		t.Errorf("TotalCommands = %d, want 2", r.TotalCommands)
	}
	if r.CommandsWithChanges != 1 {
		t.Errorf("CommandsWithChanges = %d, want 1", r.CommandsWithChanges)
	}
	for _, c := range r.Commands {
		if c.Command == "show b" || c.Command == "show x" {
			t.Errorf("mismatched pair %q should be skipped", c.Command)
		}
	}
}

func TestCompare_UnequalLengths(t *testing.T) {
	pre := outputs("show a", "1", "show b", "2")
	post := outputs("show a", "1")

	r := Compare(pre, post)
	if r.TotalCommands != 1 {
		t.Errorf("TotalCommands = %d, want 1", r.TotalCommands)
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name string
		post *model.PostCheck
		want model.CheckStatus
	}{
		{"no postcheck", nil, model.CheckPending},
		{"running", &model.PostCheck{Status: model.CheckInProgress}, model.CheckInProgress},
		{"failed", &model.PostCheck{Status: model.CheckFailed}, model.CheckFailed},
		{"completed", &model.PostCheck{Status: model.CheckCompleted}, model.CheckCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyDevice(tt.post); got != tt.want {
				t.Errorf("ClassifyDevice() = %q, want %q", got, tt.want)
			}
		})
	}
}
