// Package main provides the pocketllm CLI entrypoint.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pocketllm",
		Short:   "Branching chat client for OpenAI-compatible and local models",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.pocketllm.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newConversationsCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newToolsCommand())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".pocketllm")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("POCKETLLM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.path", "./data/pocketllm.db")
	viper.SetDefault("models.registry", "./data/models.yaml")
	viper.SetDefault("remote.base_url", "")
	viper.SetDefault("remote.model", "gpt-4o-mini")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		viper.Set("db.path", db)
	}

	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	return nil
}
