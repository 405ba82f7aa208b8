package appdir

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.runnerlink.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".runnerlink")
}

// Dir returns the session-specific directory.
func Dir(session string) string {
	return filepath.Join(BaseDir(), "sessions", session)
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// LogDir returns the log directory for a session.
func LogDir(session string) string {
	return filepath.Join(Dir(session), "logs")
}

// LogPath returns the engine log file path for a session.
func LogPath(session string) string {
	return filepath.Join(LogDir(session), "runnerd.log")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(session string) error {
	for _, d := range []string{Dir(session), LogDir(session)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
