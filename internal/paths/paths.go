// Package paths derives the filesystem locations hvagent uses from the
// configured directories. Helpers take configuration as input to avoid
// global config coupling.
package paths

import (
	"os"
	"path/filepath"

	"github.com/spin-stack/hvagent/internal/config"
)

const (
	socketName = "hvagent.sock"
	ledgerName = "reservations.db"

	// SocketEnvVar overrides the socket path for clients.
	SocketEnvVar = "HVAGENT_SOCKET"

	// DefaultSocketPath is where clients look when no config is available.
	DefaultSocketPath = "/run/hvagent/" + socketName
)

// SocketPath returns the agent's ttrpc socket.
func SocketPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.RunDir, socketName)
}

// LedgerPath returns the bbolt database holding the reservation ledger.
func LedgerPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, ledgerName)
}

// ClientSocketPath resolves the socket a client should dial: an explicit
// value, then HVAGENT_SOCKET, then the default location.
func ClientSocketPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(SocketEnvVar); env != "" {
		return env
	}
	return DefaultSocketPath
}

// RemoveStaleSocket deletes a leftover socket file. A path that exists but
// is not a socket is left alone and reported.
func RemoveStaleSocket(path string) error {
	// Lstat so a symlink planted at the socket path is not followed.
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return &os.PathError{Op: "remove stale socket", Path: path, Err: os.ErrExist}
	}
	return os.Remove(path)
}
