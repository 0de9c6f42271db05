// Package paths derives the runtime-home layout shared by the client and
// the background service. Both sides must call Resolve so they agree on the
// socket location.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// HomeEnv overrides the runtime home directory.
	HomeEnv = "AIXTERM_HOME"
	// LegacyHomeEnv is accepted when HomeEnv is unset.
	LegacyHomeEnv = "AIXTERM_RUNTIME_HOME"

	defaultDirName = ".aixterm"

	socketName     = "server.sock"
	lockName       = "start.lock"
	logDirName     = "logs"
	configName     = "config.yaml"
	dbName         = "aixterm.db"
	serviceLogName = "service.jsonl"
	startLogName   = "service-start.log"
	traceLogName   = "traces.jsonl"
)

// RuntimePaths is the set of filesystem locations owned by one service instance.
type RuntimePaths struct {
	Home         string
	SocketPath   string
	LockPath     string
	LogDir       string
	ConfigPath   string
	DBPath       string
	ServiceLog   string
	StartLogPath string
	TraceLog     string
}

// HomeDir resolves the runtime home: explicit override, then AIXTERM_HOME,
// then AIXTERM_RUNTIME_HOME, then ~/.aixterm.
func HomeDir(override string) (string, error) {
	for _, candidate := range []string{override, os.Getenv(HomeEnv), os.Getenv(LegacyHomeEnv)} {
		if v := strings.TrimSpace(candidate); v != "" {
			return filepath.Abs(expandTilde(v))
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// Resolve derives RuntimePaths from the runtime home.
func Resolve(override string) (RuntimePaths, error) {
	home, err := HomeDir(override)
	if err != nil {
		return RuntimePaths{}, err
	}
	return FromHome(home), nil
}

// FromHome derives RuntimePaths for an already-resolved home directory.
func FromHome(home string) RuntimePaths {
	logDir := filepath.Join(home, logDirName)
	return RuntimePaths{
		Home:         home,
		SocketPath:   filepath.Join(home, socketName),
		LockPath:     filepath.Join(home, lockName),
		LogDir:       logDir,
		ConfigPath:   filepath.Join(home, configName),
		DBPath:       filepath.Join(home, dbName),
		ServiceLog:   filepath.Join(logDir, serviceLogName),
		StartLogPath: filepath.Join(logDir, startLogName),
		TraceLog:     filepath.Join(logDir, traceLogName),
	}
}

// Ensure creates the runtime home and log directory with owner-only permissions.
func (p RuntimePaths) Ensure() error {
	for _, dir := range []string{p.Home, p.LogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("chmod %s: %w", dir, err)
		}
	}
	return nil
}

func expandTilde(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
