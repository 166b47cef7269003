package session

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/joeshaw/envdecode"
)

// Env is the part of the process environment that supplies defaults.
type Env struct {
	Home        string `env:"HOME"`
	UserProfile string `env:"USERPROFILE"`
	AuthSock    string `env:"SSH_AUTH_SOCK"`
}

// LoadEnv decodes Env from the process environment. Unset variables are left
// empty; having none of them set is not an error.
func LoadEnv() (Env, error) {
	var e Env
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, fmt.Errorf("session: reading environment: %w", err)
	}
	return e, nil
}

// DefaultKeyPath returns the conventional private key location under the
// user's home directory, preferring HOME over USERPROFILE. It is empty when
// neither is set.
func (e Env) DefaultKeyPath() string {
	home := e.Home
	if home == "" {
		home = e.UserProfile
	}
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}
