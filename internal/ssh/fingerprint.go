package ssh

import (
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HostKey describes the key a server presented during the handshake.
type HostKey struct {
	// Hostname is the address the client dialed, as passed to the handshake.
	Hostname string
	// Remote is the network address of the server.
	Remote net.Addr
	// Key is the server's public host key.
	Key ssh.PublicKey
	// Fingerprint is the SHA256 fingerprint of Key ("SHA256:...").
	Fingerprint string
}

// Fingerprints returns the spellings a host key fingerprint is commonly
// configured with: "SHA256:<base64>", colon-separated MD5, and bare MD5 hex.
func Fingerprints(key ssh.PublicKey) []string {
	md5 := ssh.FingerprintLegacyMD5(key)
	return []string{
		ssh.FingerprintSHA256(key),
		md5,
		strings.ReplaceAll(md5, ":", ""),
	}
}

// MatchFingerprint reports whether want is exactly one of key's fingerprints.
func MatchFingerprint(key ssh.PublicKey, want string) bool {
	for _, fp := range Fingerprints(key) {
		if fp == want {
			return true
		}
	}
	return false
}
