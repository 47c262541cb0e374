// Package config provides the viper-backed settings store and data paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultHomeDir returns the default data directory (~/.tinyclaw).
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".tinyclaw"), nil
}

// Paths resolves every well-known location under one data directory.
type Paths struct {
	Root string
}

// NewPaths builds a path set rooted at dir, expanding a leading ~.
func NewPaths(dir string) (*Paths, error) {
	expanded, err := ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	if expanded == "" {
		expanded, err = DefaultHomeDir()
		if err != nil {
			return nil, err
		}
	}
	return &Paths{Root: expanded}, nil
}

func (p *Paths) ConfigFile() string   { return filepath.Join(p.Root, "config.yaml") }
func (p *Paths) DataDir() string      { return filepath.Join(p.Root, "data") }
func (p *Paths) AgentDB() string      { return filepath.Join(p.DataDir(), "agent.db") }
func (p *Paths) SecurityDB() string   { return filepath.Join(p.DataDir(), "security.db") }
func (p *Paths) SecretsFile() string  { return filepath.Join(p.DataDir(), "secrets.bin") }
func (p *Paths) HeartwareDir() string { return filepath.Join(p.Root, "heartware") }
func (p *Paths) BackupsDir() string   { return filepath.Join(p.HeartwareDir(), ".backups") }
func (p *Paths) AuditDir() string     { return filepath.Join(p.Root, "audit") }
func (p *Paths) LogFile() string      { return filepath.Join(p.Root, "tinyclaw.log") }
func (p *Paths) SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\tinyclaw`
	}
	return filepath.Join(p.Root, "tinyclaw.sock")
}

// EnsureLayout creates the directory tree. Directories are 0700 so guest
// accounts on the host cannot read owner data; no-op on Windows where the
// mode bits are ignored.
func (p *Paths) EnsureLayout() error {
	dirs := []string{p.Root, p.DataDir(), p.HeartwareDir(), p.BackupsDir(), p.AuditDir()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
		if runtime.GOOS != "windows" {
			if err := os.Chmod(d, 0700); err != nil {
				return fmt.Errorf("chmod %s: %w", d, err)
			}
		}
	}
	return nil
}

// ExpandPath expands a ~ prefix to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	return path, nil
}
