package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the configuration document",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetCmd(), newConfigPathCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var flagReveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := openStore().Get()
			if !flagReveal {
				cfg = cfg.Redacted()
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().BoolVar(&flagReveal, "reveal", false, "Show the API token instead of masking it")
	return cmd
}

// patchFromArgs turns key=value pairs into a JSON object. Values that parse as
// JSON (numbers, booleans, quoted strings) keep their type; anything else is
// taken as a plain string.
func patchFromArgs(args []string) ([]byte, error) {
	patch := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("expected key=value, got %q", arg)
		}
		if json.Valid([]byte(value)) && value != "" {
			patch[key] = json.RawMessage(value)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", key)
		}
		patch[key] = encoded
	}
	return json.Marshal(patch)
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "set key=value [key=value...]",
		Short:   "Change configuration keys and save the document",
		Example: "  punchagent config set device_address=10.0.0.5 station_name=Lobby interval_minutes=5",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := patchFromArgs(args)
			if err != nil {
				return err
			}
			store := openStore()
			cfg, err := store.Update(patch)
			if err != nil {
				return err
			}
			path, err := store.Save()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				log.Warn().Err(err).Msg("saved, but the configuration is not complete yet")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the candidate locations and the one in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openStore()
			out := cmd.OutOrStdout()
			for i, p := range store.Paths() {
				marker := " "
				if p == store.Source() {
					marker = "*"
				}
				if _, err := fmt.Fprintf(out, "%s %d. %s\n", marker, i+1, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
