package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saiden-dev/hu-sub000/pkg/hu/config"
	"github.com/saiden-dev/hu-sub000/pkg/hu/output"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the hu config file",
	}
	cmd.AddCommand(
		newConfigInitCommand(),
		newConfigViewCommand(),
	)
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		tokenStorage string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			path := rt.configPathValue()
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config already exists: %s", path)
				}
			}
			cfg := config.DefaultConfig()
			if tokenStorage != "" {
				cfg.Settings.TokenStorage = tokenStorage
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, &cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "Initialized config at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&tokenStorage, "token-storage", "", "Token storage backend: file or keychain")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config")
	return cmd
}

func newConfigViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the current configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.EnsureConfigLoaded(); err != nil {
				return err
			}
			format := output.FormatYAML
			if rt.OutputFormat() == string(output.FormatJSON) {
				format = output.FormatJSON
			}
			return output.WriteObject(rt.Writer(), format, rt.cfg)
		},
	}
}
