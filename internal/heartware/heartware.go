// Package heartware manages the user-facing markdown files that define the
// companion: identity, soul, friend profile, and the threat feed. Every write
// is preceded by a timestamped backup.
package heartware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Well-known files.
const (
	FileIdentity = "identity.md"
	FileSoul     = "soul.md"
	FileFriend   = "friend.md"
	FileThreats  = "threats.md"
)

// Files lists the managed heartware files.
var Files = []string{FileIdentity, FileSoul, FileFriend, FileThreats}

var (
	// ErrUnknownFile is returned for names outside the managed set.
	ErrUnknownFile = errors.New("heartware: unknown file")
	// ErrNotFound is returned when a managed file does not exist yet.
	ErrNotFound = errors.New("heartware: file not found")
)

const backupsPerFile = 20

// Manager reads and writes heartware files under one directory.
type Manager struct {
	dir    string
	logger zerolog.Logger
}

// NewManager ensures dir and its backup directory exist.
func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{dir: dir, logger: logger.With().Str("component", "heartware").Logger()}
	if err := os.MkdirAll(m.backupDir(), dirPerm()); err != nil {
		return nil, fmt.Errorf("heartware dir: %w", err)
	}
	return m, nil
}

// Dir returns the heartware directory.
func (m *Manager) Dir() string { return m.dir }

// Path returns the absolute path of a managed file.
func (m *Manager) Path(name string) (string, error) {
	if !managed(name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	return filepath.Join(m.dir, name), nil
}

func (m *Manager) backupDir() string { return filepath.Join(m.dir, ".backups") }

// Read returns a managed file's content.
func (m *Manager) Read(name string) (string, error) {
	path, err := m.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write replaces a managed file's content, backing up the previous version
// first. Backups beyond the per-file retention are pruned.
func (m *Manager) Write(name, content string) error {
	path, err := m.Path(name)
	if err != nil {
		return err
	}
	if err := m.backup(name, path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), filePerm()); err != nil {
		return fmt.Errorf("heartware write %s: %w", name, err)
	}
	m.logger.Info().Str("file", name).Int("bytes", len(content)).Msg("heartware updated")
	return nil
}

// backup copies the current file into .backups/<name>.<unix-ms>.md.
func (m *Manager) backup(name, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	stamp := time.Now().UnixMilli()
	base := strings.TrimSuffix(name, ".md")
	dst := filepath.Join(m.backupDir(), fmt.Sprintf("%s.%d.md", base, stamp))
	if err := os.WriteFile(dst, data, filePerm()); err != nil {
		return fmt.Errorf("heartware backup %s: %w", name, err)
	}
	m.pruneBackups(base)
	return nil
}

func (m *Manager) pruneBackups(base string) {
	matches, err := filepath.Glob(filepath.Join(m.backupDir(), base+".*.md"))
	if err != nil || len(matches) <= backupsPerFile {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-backupsPerFile] {
		if err := os.Remove(old); err != nil {
			m.logger.Warn().Err(err).Str("backup", old).Msg("backup prune failed")
		}
	}
}

// Backups lists backup paths for a managed file, oldest first.
func (m *Manager) Backups(name string) ([]string, error) {
	if !managed(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	base := strings.TrimSuffix(name, ".md")
	matches, err := filepath.Glob(filepath.Join(m.backupDir(), base+".*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Seed writes default content for any managed file that does not exist yet.
// Existing files are left alone.
func (m *Manager) Seed(defaults map[string]string) error {
	for name, content := range defaults {
		path, err := m.Path(name)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), filePerm()); err != nil {
			return fmt.Errorf("heartware seed %s: %w", name, err)
		}
	}
	return nil
}

func managed(name string) bool {
	for _, f := range Files {
		if f == name {
			return true
		}
	}
	return false
}

func filePerm() os.FileMode {
	if runtime.GOOS == "windows" {
		return 0o644
	}
	return 0o600
}

func dirPerm() os.FileMode {
	if runtime.GOOS == "windows" {
		return 0o755
	}
	return 0o700
}
