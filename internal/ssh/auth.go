package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ReadPrivateKey reads private key material from path.
func ReadPrivateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return data, nil
}

// ParsePrivateKey parses a PEM or OpenSSH private key. Supports RSA, Ed25519,
// ECDSA, and DSA key types.
//
// If the key is encrypted and passphrase is empty, the returned error is an
// *ssh.PassphraseMissingError; see IsPassphraseMissing.
func ParsePrivateKey(data, passphrase []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, err
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

// IsPassphraseMissing reports whether err came from parsing an encrypted key
// without a passphrase.
func IsPassphraseMissing(err error) bool {
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

// AgentSigners connects to the SSH agent listening on socket and returns its
// signers. The returned closer releases the agent connection; the signers stop
// working once it is closed.
func AgentSigners(ctx context.Context, socket string) ([]ssh.Signer, io.Closer, error) {
	if socket == "" {
		return nil, nil, errors.New("no SSH agent socket configured")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}

	if len(signers) == 0 {
		_ = conn.Close()
		return nil, nil, errors.New("no keys available in SSH agent")
	}

	return signers, conn, nil
}
