package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/port/internal/config"
)

// DefaultName is used when neither a flag, PORT_SESSION nor the config
// picks a session.
const DefaultName = "main"

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that cannot be used as a directory name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid session name %q: want 1-64 of [a-z0-9_-], not starting with - or _", name)
	}
	return nil
}

// Resolve picks the session name: the flag, then $PORT_SESSION, then
// default_session from the config file, then DefaultName.
func Resolve(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("PORT_SESSION"); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}
