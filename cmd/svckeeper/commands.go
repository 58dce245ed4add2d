package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/svckeeper"
	"github.com/loykin/svckeeper/internal/config"
	"github.com/loykin/svckeeper/pkg/client"
	"github.com/spf13/cobra"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor in the foreground. The control API is served when
[server].enabled is set. SIGINT or SIGTERM stops the service and exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Start, "start", false, "start the service once the daemon is up")
	cmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout for the control API")
	return cmd
}

// runServe blocks until ctx is done.
func runServe(ctx context.Context, w io.Writer, flags *ServeFlags) error {
	cfg, err := svckeeper.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	k, err := svckeeper.New(*cfg)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()

	var srv *http.Server
	if cfg.Server.Enabled {
		if srv, err = k.Serve(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "control API on %s%s\n", srv.Addr, cfg.Server.BasePath)
	}
	if flags.Start {
		res := k.Start()
		printJSON(w, res)
		if res.Err != nil && srv == nil {
			return res.Err
		}
	}

	<-ctx.Done()
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}
	return nil
}

func createInitCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = "svckeeper.toml"
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func createRunScriptCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run-script [-- args...]",
		Short: "Run the startup script once, without supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRunScript(cmd.Context(), cmd.OutOrStdout(), RunScriptFlags{ConfigPath: globalFlags.ConfigPath}, args)
		},
	}
}

func cmdRunScript(ctx context.Context, w io.Writer, flags RunScriptFlags, args []string) error {
	cfg, err := svckeeper.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	// A one-off run must not kill a service another daemon is supervising.
	cfg.StateDir = ""
	k, err := svckeeper.New(*cfg)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()

	res := k.RunScript(ctx, args...)
	printJSON(w, res)
	if !res.Success {
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("script failed: %s", msg)
	}
	return nil
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for server.auth.users",
		Long:  "Hash the password given as argument, or the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdHashPassword(cmd.InOrStdin(), cmd.OutOrStdout(), args)
		},
	}
}

func cmdHashPassword(in io.Reader, w io.Writer, args []string) error {
	var pw string
	if len(args) > 0 {
		pw = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	hash, err := svckeeper.HashPassword(pw)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, hash)
	return nil
}

func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the service and wait until it is healthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(globalFlags.API)
			return printResult(cmd.OutOrStdout(), func() (client.Result, error) { return c.Start(cmd.Context()) })
		},
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the service and its process tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(globalFlags.API)
			return printResult(cmd.OutOrStdout(), func() (client.Result, error) { return c.Stop(cmd.Context()) })
		},
	}
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop, then start the service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(globalFlags.API)
			return printResult(cmd.OutOrStdout(), func() (client.Result, error) { return c.Restart(cmd.Context()) })
		},
	}
}

// printResult prints the result even when the call failed, so the error
// kind and hint reach the user.
func printResult(w io.Writer, call func() (client.Result, error)) error {
	res, err := call()
	var apiErr *client.APIError
	if err != nil && !errors.As(err, &apiErr) {
		return err
	}
	printJSON(w, res)
	if apiErr != nil && apiErr.Hint != "" {
		return fmt.Errorf("%w (hint: %s)", err, apiErr.Hint)
	}
	return err
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newAPIClient(globalFlags.API).Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective service configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := newAPIClient(globalFlags.API).Config(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	flags := &UpdateConfigFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Update host, port, args or env; applied on the next start",
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := buildUpdate(*flags)
			if err != nil {
				return err
			}
			c := newAPIClient(globalFlags.API)
			return printResult(cmd.OutOrStdout(), func() (client.Result, error) { return c.UpdateConfig(cmd.Context(), u) })
		},
	}
	set.Flags().StringVar(&flags.Host, "host", "", "bind host")
	set.Flags().IntVar(&flags.Port, "port", 0, "preferred port")
	set.Flags().StringSliceVar(&flags.Args, "arg", nil, "script argument (repeatable)")
	set.Flags().StringArrayVar(&flags.Env, "env", nil, "KEY=VALUE (repeatable)")
	set.Flags().StringArrayVar(&flags.Unset, "unset", nil, "environment variable to remove (repeatable)")
	cmd.AddCommand(set)
	return cmd
}

func createResetRestartsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-restarts",
		Short: "Clear the unexpected-exit counter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newAPIClient(globalFlags.API).ResetRestarts(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "restart counter cleared")
			return nil
		},
	}
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			evs, err := newAPIClient(globalFlags.API).History(cmd.Context(), flags.Limit)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), evs)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum number of events")
	return cmd
}

func createResourcesCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show CPU and memory of the service tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := newAPIClient(globalFlags.API).Resources(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func createLoginCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --user/--password for a bearer token",
		Long:  "Prints a token to export as SVCKEEPER_TOKEN for later commands.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := newAPIClient(globalFlags.API).Login(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
}
