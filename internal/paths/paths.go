// Package paths lays out the daemon's data directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EnvDataDir overrides the default data directory.
const EnvDataDir = "CHATD_DATA_DIR"

// DefaultDataDir returns $CHATD_DATA_DIR or ~/.chatd.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatd")
}

// Layout resolves files under one data directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at dir, or at DefaultDataDir when dir is empty.
func New(dir string) Layout {
	if dir == "" {
		dir = DefaultDataDir()
	}
	return Layout{Root: dir}
}

// DBPath is the SQLite database holding chats, messages and dispatch jobs.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "chatd.db") }

// SocketPath is the unix socket serving gRPC health.
func (l Layout) SocketPath() string { return filepath.Join(l.Root, "chatd.sock") }

// LockPath is the flock file guarding the database.
func (l Layout) LockPath() string { return filepath.Join(l.Root, "LOCK") }

// LogDir holds the rotated daemon logs.
func (l Layout) LogDir() string { return filepath.Join(l.Root, "logs") }

// ConfigPath is the default config file.
func (l Layout) ConfigPath() string { return filepath.Join(l.Root, "config.toml") }

// EnsureDirs creates the data and log directories.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.Root, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateInstance checks an instance name used to tag logs and events.
func ValidateInstance(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
