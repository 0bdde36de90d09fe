package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/brockhager/swarmchat"
	"github.com/brockhager/swarmchat/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient builds a client from --api-url, falling back to the configured
// listen address and base path.
func apiClient(global *GlobalFlags) (*client.Client, error) {
	url := global.APIUrl
	if url == "" {
		cfg, err := swarmchat.LoadConfig(global.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		url = apiURLFor(cfg.Server.Listen, cfg.Server.BasePath)
	}
	return client.New(client.Config{BaseURL: url, Timeout: global.APITimeout}), nil
}

func apiURLFor(listen, basePath string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	host = strings.Replace(host, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + host + basePath
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sidecar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(global)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), c, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the sidecar is running")
	cmd.Flags().BoolVar(&flags.WaitPort, "wait-port", false, "with --wait, also wait for the detected port")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "how long --wait may take")
	return cmd
}

func runStart(ctx context.Context, c *client.Client, flags *StartFlags, out io.Writer) error {
	res, err := c.Start(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, res)
	if !flags.Wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	st, err := c.WaitRunning(ctx, flags.WaitPort)
	if err != nil {
		return fmt.Errorf("sidecar did not become ready: %w", err)
	}
	printStatus(out, st)
	return nil
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the sidecar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(global)
			if err != nil {
				return err
			}
			res, err := c.Stop(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sidecar status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(global)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(out io.Writer, st client.StatusResponse) {
	_, _ = fmt.Fprintf(out, "state:  %s\n", st.State)
	if st.Phase != "" && st.Phase != st.State {
		_, _ = fmt.Fprintf(out, "phase:  %s\n", st.Phase)
	}
	if st.PID != nil {
		_, _ = fmt.Fprintf(out, "pid:    %d\n", *st.PID)
	}
	if st.UptimeSeconds != nil {
		_, _ = fmt.Fprintf(out, "uptime: %s\n", time.Duration(*st.UptimeSeconds)*time.Second)
	}
	if st.ClientPort != nil {
		_, _ = fmt.Fprintf(out, "port:   %d\n", *st.ClientPort)
	}
	if st.ErrorMessage != nil {
		_, _ = fmt.Fprintf(out, "error:  %s\n", *st.ErrorMessage)
	}
}

func createEventsCommand(global *GlobalFlags) *cobra.Command {
	flags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow sidecar output and lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(global)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			err = runEvents(ctx, c, flags, cmd.OutOrStdout())
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&flags.History, "history", 0, "replay this many recent events first")
	cmd.Flags().BoolVar(&flags.Raw, "raw", false, "print events as JSON lines")
	return cmd
}

func runEvents(ctx context.Context, c *client.Client, flags *EventsFlags, out io.Writer) error {
	enc := json.NewEncoder(out)
	return c.Events(ctx, flags.History, func(e client.Event) error {
		if flags.Raw {
			return enc.Encode(e)
		}
		_, err := fmt.Fprintln(out, formatEvent(e))
		return err
	})
}

func formatEvent(e client.Event) string {
	ts := e.At.Local().Format("15:04:05")
	switch e.Kind {
	case "stdout", "stderr":
		return fmt.Sprintf("%s [%s] %s", ts, e.Kind, e.Text)
	case "port":
		return fmt.Sprintf("%s [port] %d", ts, e.Port)
	case "exited":
		if e.ExitCode != nil {
			return fmt.Sprintf("%s [exited] pid=%d code=%d", ts, e.PID, *e.ExitCode)
		}
		return fmt.Sprintf("%s [exited] pid=%d signaled", ts, e.PID)
	default:
		return fmt.Sprintf("%s [%s] pid=%d", ts, e.Kind, e.PID)
	}
}
