package receipt

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects the artifact base directory
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Artifact file names inside a session directory
const (
	StatusFile    = "status.json"
	RecordsFile   = "records.json"
	NarrativeFile = "narrative.txt"
)

// ParseMode parses a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeTest:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q: want %q or %q", s, ModeLive, ModeTest)
	}
}

// Storage defines write-only persistence for per-session artifacts
type Storage interface {
	// Save writes one artifact into the session's directory and returns its path
	Save(sessionID, name string, data []byte) (string, error)
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a LocalStorage rooted at <root>/<mode>
func NewLocalStorage(root string, mode Mode) (*LocalStorage, error) {
	basePath := filepath.Join(root, string(mode))
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// BasePath returns the directory session folders are created in
func (l *LocalStorage) BasePath() string {
	return l.basePath
}

// Save writes an artifact, replacing any earlier version
func (l *LocalStorage) Save(sessionID, name string, data []byte) (string, error) {
	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	dir := filepath.Join(l.basePath, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return path, nil
}
