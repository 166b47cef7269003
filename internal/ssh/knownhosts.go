package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHosts verifies host keys against an OpenSSH known_hosts file,
// automatically adding unknown hosts on first connection (trust on first use).
type KnownHosts struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewKnownHosts loads the known_hosts file at path. The parent directory and
// file are created if they don't exist.
func NewKnownHosts(path string, logger *slog.Logger) (*KnownHosts, error) {
	if path == "" {
		return nil, errors.New("known_hosts path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}

	k := &KnownHosts{path: path, logger: logger}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Verify accepts key if it is recorded for the host, records it if the host is
// unknown, and rejects it if the host is recorded with a different key.
func (k *KnownHosts) Verify(_ context.Context, hk HostKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.callback(hk.Hostname, hk.Remote, hk.Key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}

	// A non-empty Want means the host is known under a different key.
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hk.Hostname, err)
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hk.Hostname)}, hk.Key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}

	k.logger.Info("ssh: added host key", "host", hk.Hostname, "fingerprint", hk.Fingerprint, "path", k.path)

	// The callback snapshots the file, so pick up the line just written.
	return k.reload()
}

func (k *KnownHosts) reload() error {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("loading known_hosts: %w", err)
	}
	k.callback = cb
	return nil
}
