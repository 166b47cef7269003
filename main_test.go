package main

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/die-net/sshhttp/internal/session"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:30:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 30 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:30", wantErr: true},
		{in: "0:30:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:30:-1", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseTCPKeepAlive(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTCPKeepAlive(%q): expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTCPKeepAlive(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTCPKeepAlive(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultKnownHostsPath(t *testing.T) {
	t.Parallel()

	if got := defaultKnownHostsPath(session.Env{}); got != "" {
		t.Fatalf("got %q with no home", got)
	}
	want := filepath.Join("/home/u", ".ssh", "known_hosts")
	if got := defaultKnownHostsPath(session.Env{UserProfile: "/home/u"}); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := defaultKnownHostsPath(session.Env{Home: "/home/u", UserProfile: "/other"}); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
