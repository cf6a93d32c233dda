package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	verbose      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ddosctl",
	Short: "Train, inspect and query DDoS request classifiers",
	Long: `ddosctl trains request classifiers from labelled traffic, inspects and
evaluates model artifacts, scores records locally or against a running
ddos-server, and reads the server's detection log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath("configs")
			if home, err := os.UserHomeDir(); err == nil {
				viper.AddConfigPath(home + "/.ddosguard")
			}
			viper.SetConfigName("ddosctl")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("DDOSCTL")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		switch outputFormat {
		case "text", "json":
		default:
			return fmt.Errorf("unknown --format %q (want text or json)", outputFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/ddosctl.yaml or ~/.ddosguard/ddosctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ddos-server base URL (e.g. http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(importONNXCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(detectionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger returns a development logger on stderr when --verbose is set.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireServer() error {
	if serverURL == "" {
		return fmt.Errorf("no server configured: pass --server or set DDOSCTL_SERVER")
	}
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ddosctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ddosctl %s\n", version)
	},
}
