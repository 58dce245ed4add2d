package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/svckeeper/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createInitCommand(globalFlags),
		createRunScriptCommand(globalFlags),
		createHashPasswordCommand(),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createStatusCommand(globalFlags),
		createConfigCommand(globalFlags),
		createResetRestartsCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createResourcesCommand(globalFlags),
		createLoginCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svckeeper",
		Short: "Supervise one service started from a versioned script",
		Long: `svckeeper starts a service through its startup script on a free port,
waits until it listens and reports healthy, and keeps its process tree
under control.

Examples:
  svckeeper init svckeeper.toml
  svckeeper serve --config=svckeeper.toml --start
  svckeeper status
  svckeeper restart --api-url=http://remote:8642/api`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.API.URL, "api-url", client.DefaultConfig().BaseURL, "control API base URL")
	pf.DurationVar(&flags.API.Timeout, "api-timeout", 2*time.Minute, "control API request timeout")
	pf.StringVar(&flags.API.Username, "user", "", "control API username")
	pf.StringVar(&flags.API.Password, "password", os.Getenv("SVCKEEPER_PASSWORD"), "control API password (default $SVCKEEPER_PASSWORD)")
	pf.StringVar(&flags.API.Token, "token", os.Getenv("SVCKEEPER_TOKEN"), "control API bearer token (default $SVCKEEPER_TOKEN)")
	pf.BoolVar(&flags.API.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.API.CACert, "ca-cert", "", "CA certificate for the control API")
	return root
}
