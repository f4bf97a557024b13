// superagent-cli is the operator client for a running daemon, plus the CNI
// helper commands the containerd network layer shells out to on hosts where
// the daemon cannot drive CNI directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/superagenthq/superagent/internal/auth"
	"github.com/superagenthq/superagent/internal/client"
	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/memory"
)

var (
	flagAddr  string
	flagToken string
)

func main() {
	root := &cobra.Command{
		Use:           "superagent-cli",
		Short:         "Operator client for the superagent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("SUPERAGENT_ADDR", "http://127.0.0.1:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("SUPERAGENT_TOKEN"), "bearer token")

	root.AddCommand(
		fleetCmd(),
		gatewayCmd(),
		memoryCmd(),
		tokenCmd(),
		cniCmd("cni-setup"),
		cniCmd("cni-remove"),
		cniCmd("cni-check"),
		cniCmd("cni-status"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func api() *client.Client { return client.New(flagAddr, flagToken) }

func cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fleetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "fleet", Short: "Inspect and control agent instances"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List declared specs and live instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			out, err := api().Fleet(ctx)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deploy <agent>",
		Short: "Deploy a declared agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			st, err := api().Deploy(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})

	var graceSeconds int
	stop := &cobra.Command{
		Use:   "stop <agent>",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			st, err := api().Stop(ctx, args[0], graceSeconds)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	stop.Flags().IntVar(&graceSeconds, "grace", 0, "seconds to wait before declaring the stop failed")
	cmd.AddCommand(stop)

	cmd.AddCommand(&cobra.Command{
		Use:   "restart <agent>",
		Short: "Restart an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			st, err := api().Restart(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <agent>",
		Short: "Show one agent's lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			st, err := api().Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})

	var tail int64
	logs := &cobra.Command{
		Use:   "logs <agent>",
		Short: "Print an agent's log output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			out, err := api().Logs(ctx, args[0], tail)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	logs.Flags().Int64Var(&tail, "tail", 0, "bytes from the end of the log, 0 for all")
	cmd.AddCommand(logs)

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Converge instances toward the declared fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			out, err := api().Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	return cmd
}

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Inspect and drive the Discord gateway"}

	cmd.AddCommand(&cobra.Command{
		Use:   "bots",
		Short: "List bot identities and their connection states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			bots, err := api().Bots(ctx)
			if err != nil {
				return err
			}
			return printJSON(bots)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Report gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			report, err := api().GatewayHealth(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Healthy {
				os.Exit(1)
			}
			return nil
		},
	})

	var replyTo string
	send := &cobra.Command{
		Use:   "send <bot> <channel> <content>",
		Short: "Send a message as one of the bots",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			id, err := api().SendMessage(ctx, gateway.SendRequest{
				BotID:     args[0],
				ChannelID: args[1],
				Content:   args[2],
				ReplyTo:   replyTo,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	send.Flags().StringVar(&replyTo, "reply-to", "", "message id to reply to")
	cmd.AddCommand(send)

	return cmd
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "memory", Short: "Query the shared vector memory"}

	var agentID string
	var k int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over stored memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			req := memory.SearchRequest{Query: args[0], K: k}
			if agentID != "" {
				req.AgentID = &agentID
			}
			results, err := client.NewMemoryClient(api()).Search(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	search.Flags().StringVar(&agentID, "agent", "", "restrict to one agent's memories")
	search.Flags().IntVar(&k, "k", 0, "result count, default 5")
	cmd.AddCommand(search)

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List memories newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdCtx()
			defer cancel()
			records, err := client.NewMemoryClient(api()).Recent(ctx, agentID, limit)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
	recent.Flags().StringVar(&agentID, "agent", "", "restrict to one agent's memories")
	recent.Flags().IntVar(&limit, "limit", 20, "maximum records")
	cmd.AddCommand(recent)

	return cmd
}

func tokenCmd() *cobra.Command {
	var secret, subject, ttl string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SUPERAGENT_JWT_SECRET")
			}
			expiresIn, err := time.ParseDuration(ttl)
			if err != nil {
				return fmt.Errorf("parse --ttl: %w", err)
			}
			token, expiresAt, err := auth.GenerateToken(subject, secret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintln(os.Stderr, "expires", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret, defaults to SUPERAGENT_JWT_SECRET")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&ttl, "ttl", "24h", "token lifetime")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
