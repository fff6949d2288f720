package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/agora-dev/agora"
	"github.com/agora-dev/agora/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "agora",
		Short: "Agent economy coordination engine",
		Long: `Agora coordinates an economy of autonomous agents: staked identities,
a service marketplace, escrowed task contracts, proof verification,
reputation, and revenue splitting over a pluggable settlement ledger.`,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd(), configCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv("AGORA_CONFIG")
			}
			log.Printf("Starting Agora v%s", Version)
			return agora.Run(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "engine configuration file (YAML)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.Default(), out); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "out", "o", "agora.yaml", "output path")

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agora %s\n", Version)
		},
	}
}
