package cli

import (
	"fmt"
	"os"

	"github.com/evacsys/iotrelay/internal/config"
	"github.com/evacsys/iotrelay/internal/logger"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create relay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and IOTRELAY_*
environment overrides are applied. Credentials are redacted.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	RunE:  runConfigInit,
}

var forceInit bool

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), logger.NewRedactor().Redact(cfg.String()))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	errs := config.NewValidator().ValidateConfig(cfg)
	if len(errs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", loader.GetConfigPath())
		return nil
	}

	for _, err := range errs {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %v\n", err)
	}
	return fmt.Errorf("configuration has %d error(s)", len(errs))
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}
