package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/config"
)

const (
	appName    = "tabbridge"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Bridge between a browser tab and a CLI agent backend",
	Long: `Tabbridge connects a local browser to a CLI agent backend over a single
duplex websocket:
  - Streams an interactive terminal session to a local panel
  - Answers browser requests (DOM, selection, screenshots, script
    execution, console logs) against the active tab via DevTools
  - Reconnects to the backend with a bounded retry budget`,
	Version: appVersion,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a documented default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GlobalConfigPath()
		if path == "" {
			return fmt.Errorf("cannot resolve config directory")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.GlobalConfigPath())
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: XDG config dir)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentdCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: file (explicit path or global
// lookup), then flag overrides applied by the caller.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadConfigFile(path)
	}
	return config.LoadGlobalConfig()
}
