package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/magg"
)

// The catalog commands operate directly on the config store; they do not
// need a running aggregator.

func openStore(cmd *cobra.Command) (*config.Store, *config.Settings, error) {
	settings := loadSettings(cmd)
	store := config.NewStore(settings.ConfigPath, settings.PrefixSep, settings.ReadOnly)
	if _, err := store.Load(); err != nil {
		return nil, nil, err
	}
	return store, settings, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the catalog summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, settings, err := openStore(cmd)
			if err != nil {
				return err
			}
			cfg := store.Current()

			enabled := 0
			for _, srv := range cfg.Servers {
				if srv.Enabled {
					enabled++
				}
			}
			cmd.Printf("Config:  %s\n", store.Path())
			cmd.Printf("Servers: %d (%d enabled)\n", len(cfg.Servers), enabled)
			cmd.Printf("Kits:    %d\n", len(cfg.Kits))
			cmd.Printf("Read-only: %v\n", settings.ReadOnly)
			return nil
		},
	}
}

func listServersCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list-servers",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			cfg := store.Current()

			if asJSON {
				data, err := json.MarshalIndent(cfg.Servers, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			for _, name := range cfg.ServerNames() {
				srv := cfg.Servers[name]
				state := "enabled"
				if !srv.Enabled {
					state = "disabled"
				}
				endpoint := srv.Command
				if endpoint == "" {
					endpoint = srv.URI
				}
				cmd.Printf("%-20s %-9s prefix=%-12s %s\n", name, state, srv.EffectivePrefix(), endpoint)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func addServerCmd() *cobra.Command {
	var (
		command string
		uri     string
		prefix  string
		notes   string
	)

	cmd := &cobra.Command{
		Use:   "add-server NAME",
		Short: "Add a server to the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}

			name := args[0]
			cfg := store.Current().Clone()
			if _, exists := cfg.Servers[name]; exists {
				return fmt.Errorf("%w: server %q already exists", magg.ErrValidation, name)
			}

			srv := &config.ServerConfig{
				Name:    name,
				Command: command,
				URI:     uri,
				Notes:   notes,
				Enabled: true,
			}
			if cmd.Flags().Changed("prefix") {
				srv.Prefix = &prefix
			}
			cfg.Servers[name] = srv

			if err := store.Save(cfg); err != nil {
				return err
			}
			cmd.Printf("Added server %s (prefix %q)\n", name, srv.EffectivePrefix())
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "Shell-style command for a stdio server")
	cmd.Flags().StringVar(&uri, "uri", "", "Endpoint of an HTTP/streamable server")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Tool prefix (empty string for verbatim names)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form setup notes")
	return cmd
}

func removeServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-server NAME",
		Short: "Remove a server from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}

			name := args[0]
			cfg := store.Current().Clone()
			if _, exists := cfg.Servers[name]; !exists {
				return fmt.Errorf("%w: server %q", magg.ErrNotFound, name)
			}
			delete(cfg.Servers, name)

			if err := store.Save(cfg); err != nil {
				return err
			}
			cmd.Printf("Removed server %s\n", name)
			return nil
		},
	}
}
