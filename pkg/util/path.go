package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~/ with the user's home directory. The path
// is returned unchanged when the home directory cannot be determined.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
