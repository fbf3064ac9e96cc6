// Package pathutil resolves user-supplied paths and the convstream state
// directory.
package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the state directory, which otherwise is ~/.convstream.
const HomeEnv = "CONVSTREAM_HOME"

const stateDirName = ".convstream"

// StateDir returns the directory holding the config file and local data.
func StateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return Expand(dir)
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, stateDirName), nil
}

// Expand resolves $VAR references and a leading "~" in path. Empty input
// stays empty.
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", path, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
	}
	return filepath.Clean(p), nil
}

func homeDir() (string, error) {
	candidates := []func() string{
		func() string {
			home, _ := os.UserHomeDir()
			return home
		},
		func() string {
			if u, err := user.Current(); err == nil {
				return u.HomeDir
			}
			return ""
		},
	}
	for _, candidate := range candidates {
		if home := strings.TrimSpace(candidate()); resolved(home) {
			return home, nil
		}
	}
	return "", fmt.Errorf("no usable home directory (set %s or HOME)", HomeEnv)
}

func resolved(home string) bool {
	return home != "" && home != "~" && !strings.HasPrefix(home, "~/")
}
