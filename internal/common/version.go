package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stamped with -ldflags "-X github.com/ternarybob/formrunner/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// versionFileName sits next to the worker binary in packaged installs.
const versionFileName = ".version"

func GetVersion() string   { return Version }
func GetBuild() string     { return Build }
func GetGitCommit() string { return GitCommit }

// GetFullVersion is the one-line form used by the version command and crash reports.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFile replaces Version with the first line of dir/.version when
// that file exists and is not blank. A binary stamped at build time keeps its
// stamp.
func LoadVersionFile(dir string) string {
	if Version != "dev" {
		return Version
	}
	data, err := os.ReadFile(filepath.Join(dir, versionFileName))
	if err != nil {
		return Version
	}
	line, _, _ := strings.Cut(string(data), "\n")
	if line = strings.TrimSpace(line); line != "" {
		Version = line
	}
	return Version
}

// LoadVersionFromExecutable looks for .version beside the running binary.
func LoadVersionFromExecutable() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}
	return LoadVersionFile(filepath.Dir(exePath))
}
