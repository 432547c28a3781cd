// alertctl is the operator CLI for the alert service admin API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"jobmate/alert-service/internal/admin"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	addr    string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "alertctl",
		Short:        "Operate the job alert dispatch engine",
		SilenceUsage: true,
	}
	root.SetOut(out)

	defAddr := os.Getenv("ALERT_ADMIN_ADDR")
	if defAddr == "" {
		defAddr = "localhost:9083"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defAddr, "admin gRPC address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "trigger <alert-id>",
			Short: "Check one alert now, ahead of scheduled work",
			Args:  cobra.ExactArgs(1),
			RunE: opts.run(func(ctx context.Context, c *admin.Client, args []string) (map[string]any, error) {
				return c.TriggerAlert(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show queue counts and breaker state",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, c *admin.Client, _ []string) (map[string]any, error) {
				return c.QueueStats(ctx)
			}),
		},
		&cobra.Command{
			Use:   "drain",
			Short: "Remove every waiting and delayed item",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, c *admin.Client, _ []string) (map[string]any, error) {
				return c.DrainQueue(ctx)
			}),
		},
		newFailedCmd(opts),
		newHistoryCmd(opts),
		&cobra.Command{
			Use:   "health",
			Short: "Show the admin service serving status",
			Args:  cobra.NoArgs,
			RunE: opts.run(func(ctx context.Context, c *admin.Client, _ []string) (map[string]any, error) {
				st, err := c.Health(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"status": st}, nil
			}),
		},
	)
	return root
}

func newFailedCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List the most recent failed items",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, c *admin.Client, _ []string) (map[string]any, error) {
			return c.ListFailed(ctx, limit)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of items")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List the notifications a user was sent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, c *admin.Client, args []string) (map[string]any, error) {
			return c.ListHistory(ctx, args[0], limit)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

type call func(ctx context.Context, c *admin.Client, args []string) (map[string]any, error)

// run dials the admin service, performs fn and prints its result as JSON.
func (o *options) run(fn call) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := admin.Dial(o.addr)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
		defer cancel()

		res, err := fn(ctx, client, args)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
}
