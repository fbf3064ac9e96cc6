package store

import (
	"path/filepath"
	"strings"

	"github.com/harunnryd/convstream/internal/pathutil"
)

const (
	dataDir    = "data"
	labelsFile = "labels.json"
	lockSuffix = ".lock"
)

// ResolveDataPath resolves the configured data directory. If empty, it falls
// back to data inside the state directory.
func ResolveDataPath(dataPath string) (string, error) {
	if trimmed := strings.TrimSpace(dataPath); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	stateDir, err := pathutil.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, dataDir), nil
}

// GetLabelsPath returns the label cache file inside the data directory.
func GetLabelsPath(dataPath string) (string, error) {
	root, err := ResolveDataPath(dataPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, labelsFile), nil
}
