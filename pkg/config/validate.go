package config

import (
	"fmt"

	"github.com/maggmcp/magg/pkg/magg"
)

// Validate checks a catalog as a whole. Validation is total: a catalog either
// passes and may become current, or it is rejected and the previous catalog
// stays in force. Partial application is forbidden.
func Validate(cfg *Config, sep string) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil catalog", magg.ErrValidation)
	}

	for _, name := range cfg.ServerNames() {
		if err := validateServer(name, cfg.Servers[name], sep); err != nil {
			return err
		}
	}

	// Two enabled servers sharing a prefix is not rejected here: whether
	// their names actually collide depends on what each backend serves,
	// which is only known at mount time. The mount engine blocks the
	// later backend with a collision error while the earlier one keeps
	// serving.
	return nil
}

func validateServer(name string, srv *ServerConfig, sep string) error {
	if name == "" {
		return fmt.Errorf("%w: server name must not be empty", magg.ErrValidation)
	}
	if srv == nil {
		return fmt.Errorf("%w: server %q has no configuration", magg.ErrValidation, name)
	}
	if srv.Name != "" && srv.Name != name {
		return fmt.Errorf("%w: server %q declares mismatching name %q", magg.ErrValidation, name, srv.Name)
	}

	hasCommand := srv.Command != ""
	hasURI := srv.URI != ""
	switch {
	case hasCommand && hasURI:
		return fmt.Errorf("%w: server %q sets both command and uri", magg.ErrValidation, name)
	case !hasCommand && !hasURI:
		return fmt.Errorf("%w: server %q sets neither command nor uri", magg.ErrValidation, name)
	}

	if err := magg.ValidatePrefix(srv.EffectivePrefix(), sep); err != nil {
		return fmt.Errorf("server %q: %w", name, err)
	}

	return nil
}
