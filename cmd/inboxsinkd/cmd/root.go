// Package cmd wires the inboxsinkd CLI: flag/config binding via cobra and
// viper, and the run subcommand that starts the orchestrator.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "inboxsinkd",
	Short: "Durable batch ingestion of staged mail JSON into a multi-tenant Weaviate collection",
	Long: `inboxsinkd watches a filesystem staging directory for per-message JSON
files, groups pending files by tenant domain, imports each batch into a
multi-tenant Weaviate collection, and records per-message outcomes in a
local SQLite ledger.

Environment variables referenced from the config file (e.g. ${WEAVIATE_API_KEY})
are interpolated at load time.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./inboxsinkd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level from the config file")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("inboxsinkd")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("INBOXSINKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "inboxsinkd: failed to read config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
		// No config file found at the default path; rely on defaults and
		// env vars, same as the run command's own fallback.
	}
}
