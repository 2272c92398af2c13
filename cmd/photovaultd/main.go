package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "PHOTOVAULT"

	flagConfigFile  = "config"
	flagDatabaseURL = "database-url"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "photovaultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "photovaultd",
		Short:         "Credit-metered AI photo generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagConfigFile, "", "optional config file (yaml, toml or json)")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "postgres:// URL or sqlite path (default sqlite:///tmp/photovault.db)")

	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newGrantCommand(),
		newReconcileCommand(),
		newTokenCommand(),
	)
	return cmd
}

// newViper binds every flag of cmd to PHOTOVAULT_* environment variables and the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, err
	}
	// DATABASE_URL is what most hosting platforms inject.
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}
