// Command syncd synchronizes paginated source accounts into a local store,
// caching every fetched page and auditing every attempt.
//
// Usage:
//
//	syncd serve --config sourcesync.yaml       # HTTP API, progress streams, scheduler
//	syncd mcp --config sourcesync.yaml         # MCP over stdio
//	syncd sync acct-1 [--full]                 # one sync, result as JSON
//	syncd attempts --account acct-1 --failed   # query the attempt ledger
//	syncd structures --top 10                  # page-structure catalog
//	syncd manual https://host/page page.html   # store a page body by hand
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/source"
	"github.com/hazyhaar/sourcesync/syncd"
	"github.com/hazyhaar/sourcesync/syncer"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Synchronize paginated source accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config (SOURCESYNC_* env overrides)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(serveCmd(), mcpCmd(), syncCmd(), attemptsCmd(), structuresCmd(), manualCmd())
	return root
}

// open loads the config and builds the service. The returned func releases
// both the service and the log file.
func open() (*syncd.Service, *syncd.Config, *slog.Logger, func(), error) {
	cfg, err := syncd.LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	logger, logCloser := syncd.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	svc, err := syncd.New(cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, nil, nil, nil, err
	}
	return svc, cfg, logger, func() {
		svc.Close()
		logCloser.Close()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cfg, logger, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := cmd.Context()
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           svc.Handler(ctx),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("syncd: listening", "addr", cfg.Listen)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error { return svc.Run(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Info("syncd: shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the sync tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()
			return svc.NewMCPServer().Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

func syncCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync <account>",
		Short: "Run one sync of an account and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()

			mode := syncer.ModeIncremental
			if full {
				mode = syncer.ModeFull
			}
			res, err := svc.Sync(cmd.Context(), args[0], mode, source.TriggerManual)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status == syncer.StatusFailed {
				return fmt.Errorf("sync failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "walk the account history instead of the newest pages")
	return cmd
}

func attemptsCmd() *cobra.Command {
	var f ledger.Filter
	var failed bool
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Query the attempt ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()
			if failed {
				f.Status = ledger.StatusFailed
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			attempts, err := svc.Attempts(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), attempts)
		},
	}
	cmd.Flags().StringVar(&f.AccountID, "account", "", "account id")
	cmd.Flags().StringVar(&f.URL, "url", "", "page URL")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed attempts")
	cmd.Flags().DurationVar(&since, "since", 0, "only attempts newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func structuresCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "structures",
		Short: "Show the page-structure catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()
			stats, err := svc.Structures(cmd.Context(), top)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().IntVar(&top, "top", 20, "number of most frequent structures")
	return cmd
}

func manualCmd() *cobra.Command {
	var account, secondary string
	cmd := &cobra.Command{
		Use:   "manual <url> <file>",
		Short: "Store a page body supplied by hand (- reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			if args[1] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}

			svc, _, _, closeAll, err := open()
			if err != nil {
				return err
			}
			defer closeAll()
			out, err := svc.RecordManual(cmd.Context(), pipeline.ManualPayload{
				Key:       source.Key{URL: args[0], Secondary: secondary},
				AccountID: account,
				Payload:   payload,
			})
			if out != nil {
				printJSON(cmd.OutOrStdout(), out)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id the page belongs to")
	cmd.Flags().StringVar(&secondary, "secondary", "", "secondary cache key")
	return cmd
}
