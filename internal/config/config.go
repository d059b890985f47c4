// Package config resolves the daemon's runtime configuration from flags
// and environment variables, grounded on groved's own --root/GROVE_ROOT
// resolution (cmd/groved/main.go) and generalized to the full set of
// knobs this daemon needs: XDG state/runtime directories, the frame
// scheduler's T_min, and scrollback size.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds everything the daemon needs to start: where state lives,
// where the socket and lock file go, and the tunables spec §9's open
// questions left to an implementation default.
type Config struct {
	// StateDir holds persisted session files (internal/store), in its
	// sessions/ subdirectory.
	StateDir string
	// RuntimeDir holds the socket and lock file, conventionally a
	// tmpfs-backed per-user directory so stale files vanish on reboot.
	RuntimeDir string

	// FrameInterval is T_min, the frame scheduler's minimum render
	// spacing per PTY. Spec §9 leaves the exact value open; 16ms (one
	// frame at 60Hz) is the default we settled on (see DESIGN.md).
	FrameInterval time.Duration

	// ScrollbackLines bounds the per-PTY scrollback ring buffer.
	ScrollbackLines int
}

// SocketPath returns the unix socket path for uid, matching spec §4.5's
// "<runtime-dir>/prise-<uid>.sock".
func (c Config) SocketPath(uid int) string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("prise-%d.sock", uid))
}

// LockPath returns the flock-protected lock file path for uid, adjacent
// to the socket.
func (c Config) LockPath(uid int) string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("prise-%d.lock", uid))
}

// Load resolves a Config from environment variables and the given flag
// set (nil means flag.CommandLine), following the teacher's pattern of
// an env-var default with a flag override.
func Load(fs *flag.FlagSet) (*Config, error) {
	if fs == nil {
		fs = flag.CommandLine
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	defaultState := filepath.Join(homeDir, ".local", "state", "prise")
	if env := os.Getenv("XDG_STATE_HOME"); env != "" {
		defaultState = filepath.Join(env, "prise")
	}
	if env := os.Getenv("PRISE_STATE_DIR"); env != "" {
		defaultState = env
	}

	defaultRuntime := fmt.Sprintf("/tmp/prise-%d", os.Getuid())
	if env := os.Getenv("XDG_RUNTIME_DIR"); env != "" {
		defaultRuntime = filepath.Join(env, "prise")
	}
	if env := os.Getenv("PRISE_RUNTIME_DIR"); env != "" {
		defaultRuntime = env
	}

	stateDir := fs.String("state-dir", defaultState, "session persistence directory (env: PRISE_STATE_DIR)")
	runtimeDir := fs.String("runtime-dir", defaultRuntime, "socket/lock directory (env: PRISE_RUNTIME_DIR)")
	frameMS := fs.Int("frame-interval-ms", 16, "minimum milliseconds between renders of a single pane")
	scrollback := fs.Int("scrollback-lines", 10000, "scrollback lines retained per pane")

	if !fs.Parsed() {
		if err := fs.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		StateDir:        *stateDir,
		RuntimeDir:      *runtimeDir,
		FrameInterval:   time.Duration(*frameMS) * time.Millisecond,
		ScrollbackLines: *scrollback,
	}

	for _, dir := range []string{cfg.StateDir, cfg.RuntimeDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	return cfg, nil
}
