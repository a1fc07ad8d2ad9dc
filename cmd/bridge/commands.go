package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the bridge.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the gateway and run the bridge",
		Long: `Connect to the configured OpenClaw gateway and run the bridge.

The bridge will:
1. Load configuration from the specified file (or bridge.yaml)
2. Load or generate the Ed25519 device identity
3. Dial the gateway, answer its challenge and complete the handshake
4. Forward push events and serve the metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  bridge serve

  # Start with custom config and debug logging
  bridge serve --config /etc/bridge/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildIdentityCmd creates the "identity" command group.
func buildIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the device identity and cached tokens",
	}
	cmd.AddCommand(
		buildIdentityInitCmd(),
		buildIdentityShowCmd(),
		buildIdentityClearTokenCmd(),
	)
	return cmd
}

func buildIdentityInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the device keypair if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityInit(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

func buildIdentityShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the device id and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityShow(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

func buildIdentityClearTokenCmd() *cobra.Command {
	var (
		configPath string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "clear-token",
		Short: "Drop the cached gateway token for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityClearToken(configPath, role)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&role, "role", "",
		"Role whose cached token should be cleared (defaults to the configured role)")
	return cmd
}
