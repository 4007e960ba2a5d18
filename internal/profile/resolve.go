package profile

import (
	"fmt"
	"os"

	"github.com/matheus3301/inboxd/internal/config"
)

const (
	DefaultProfileName = "main"

	// EnvProfile selects the profile when no flag is given.
	EnvProfile = "INBOXD_PROFILE"
)

// Resolve picks the active profile, first match wins:
//  1. flagOverride (--profile flag)
//  2. $INBOXD_PROFILE
//  3. config.toml default_profile
//  4. "main"
//
// The result is validated, including the length of its socket path.
func Resolve(flagOverride string) (string, error) {
	name, source := flagOverride, "--profile"
	if name == "" {
		name, source = os.Getenv(EnvProfile), EnvProfile
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
			name, source = cfg.DefaultProfile, "default_profile"
		}
	}
	if name == "" {
		name, source = DefaultProfileName, "default"
	}

	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	if err := ValidateSocket(name); err != nil {
		return "", err
	}
	return name, nil
}
