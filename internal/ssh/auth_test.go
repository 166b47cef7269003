package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func marshalKey(t *testing.T, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block), pub
}

func TestParsePrivateKey(t *testing.T) {
	t.Parallel()

	plain, plainPub := marshalKey(t, "")
	encrypted, encryptedPub := marshalKey(t, "hunter2")

	tests := []struct {
		name        string
		data        []byte
		passphrase  string
		want        ssh.PublicKey
		wantMissing bool
		wantErr     string
	}{
		{name: "unencrypted", data: plain, want: plainPub},
		{name: "unencrypted ignores passphrase", data: plain, passphrase: "x", want: plainPub},
		{name: "encrypted with passphrase", data: encrypted, passphrase: "hunter2", want: encryptedPub},
		{name: "encrypted without passphrase", data: encrypted, wantMissing: true},
		{name: "encrypted with wrong passphrase", data: encrypted, passphrase: "nope", wantErr: "decrypting key"},
		{name: "garbage", data: []byte("not a key"), wantErr: "parsing key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			signer, err := ParsePrivateKey(tt.data, []byte(tt.passphrase))
			switch {
			case tt.wantMissing:
				if !IsPassphraseMissing(err) {
					t.Fatalf("expected passphrase missing, got %v", err)
				}
			case tt.wantErr != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				if IsPassphraseMissing(err) {
					t.Fatalf("unexpected passphrase missing: %v", err)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(signer.PublicKey().Marshal(), tt.want.Marshal()) {
					t.Fatal("parsed key does not match")
				}
			}
		})
	}
}

func TestReadPrivateKey(t *testing.T) {
	t.Parallel()

	data, _ := marshalKey(t, "")
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("contents differ")
	}

	if _, err := ReadPrivateKey(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestAgentSignersNoSocket(t *testing.T) {
	t.Parallel()

	if _, _, err := AgentSigners(context.Background(), ""); err == nil {
		t.Fatal("expected error without a socket")
	}
	missing := filepath.Join(t.TempDir(), "agent.sock")
	if _, _, err := AgentSigners(context.Background(), missing); err == nil {
		t.Fatal("expected error for a missing socket")
	}
}

func TestMatchFingerprint(t *testing.T) {
	t.Parallel()

	key := mustGenerateKey(t).PublicKey()
	other := mustGenerateKey(t).PublicKey()

	md5 := ssh.FingerprintLegacyMD5(key)
	for _, fp := range []string{ssh.FingerprintSHA256(key), md5, strings.ReplaceAll(md5, ":", "")} {
		if !MatchFingerprint(key, fp) {
			t.Errorf("%q did not match", fp)
		}
		if MatchFingerprint(other, fp) {
			t.Errorf("%q matched another key", fp)
		}
	}

	if MatchFingerprint(key, strings.ToUpper(md5)) {
		t.Error("fingerprints are compared exactly")
	}
	if MatchFingerprint(key, "") {
		t.Error("empty fingerprint matched")
	}
	if got := Fingerprints(key); len(got) != 3 || got[0] != ssh.FingerprintSHA256(key) {
		t.Errorf("Fingerprints = %q", got)
	}
}
