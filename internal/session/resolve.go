package session

import (
	"fmt"

	"github.com/matheus3301/sphere/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the session both binaries operate on: the --session flag,
// then SPHERE_SESSION or default_session from config.toml, then "main".
// The result is validated. An unreadable config.toml is an error rather than
// a silent fallback, since it would point the CLI at the wrong daemon.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		cfg, err := config.Resolve(ConfigPath())
		if err != nil {
			return "", fmt.Errorf("resolve session: %w", err)
		}
		name = cfg.DefaultSession
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
