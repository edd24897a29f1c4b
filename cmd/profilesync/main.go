// Command profilesync bootstraps a nostr identity and resolves the profiles
// of its contacts from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	profilesync "github.com/cashubtc/eNuts-sub000"
	"github.com/cashubtc/eNuts-sub000/internal/batcher"
	"github.com/cashubtc/eNuts-sub000/internal/config"
	"github.com/cashubtc/eNuts-sub000/internal/events"
	"github.com/cashubtc/eNuts-sub000/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "profilesync",
	Short: "Sync nostr profiles, contact lists and relay lists",
	Long: `profilesync resolves nostr metadata the way the wallet does: cache first,
then bounded relay subscriptions. Configuration comes from the environment
and an optional .env file.`,
	SilenceUsage: true,
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap <identity>",
	Short: "Load the profile, contacts and relay list of an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runBootstrap,
}

var backlogCmd = &cobra.Command{
	Use:   "backlog <identity>",
	Short: "Bootstrap an identity and resolve the profiles of its contacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBacklog,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <identity>",
	Short: "Resolve one profile (hex, npub or nprofile)",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search profiles on the search relays",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var (
	envFile   string
	debug     bool
	showStats bool

	limit     int
	immediate bool
	randomize bool
	deadline  time.Duration
	stream    bool

	searchLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&showStats, "stats", false, "print metrics to stderr when done")

	backlogCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum identities to resolve (0 = all)")
	backlogCmd.Flags().BoolVar(&immediate, "immediate", false, "report every profile as it arrives")
	backlogCmd.Flags().BoolVar(&randomize, "randomize", false, "shuffle the backlog")
	backlogCmd.Flags().DurationVar(&deadline, "deadline", 0, "stop after this long (0 = none)")
	backlogCmd.Flags().BoolVar(&stream, "stream", false, "print profiles as they are resolved")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", profilesync.DefaultSearchLimit, "maximum results")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(backlogCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(searchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds a Syncer; the returned func releases it
func setup(ctx context.Context) (*profilesync.Syncer, func(), error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logging.Init(level)

	backend, err := profilesync.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	s := profilesync.New(cfg, backend, profilesync.WithLogger(slog.Default()))

	cleanup := func() {
		if showStats {
			if err := s.WriteMetrics(os.Stderr); err != nil {
				slog.Warn("failed to write metrics", "error", err)
			}
		}
		if err := s.Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
		if err := backend.Close(); err != nil {
			slog.Warn("cache close failed", "error", err)
		}
	}
	return s, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	state, err := s.BootstrapUser(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(state)
}

func runBacklog(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := s.BootstrapUser(ctx, args[0]); err != nil {
		return err
	}

	var until time.Time
	if deadline > 0 {
		until = time.Now().Add(deadline)
	}

	if stream {
		n := 0
		for rec := range s.StreamBacklog(ctx, limit, until) {
			n++
			if err := printJSON(rec); err != nil {
				return err
			}
		}
		slog.Info("stream finished", "profiles", n, "synced", s.IsSynced())
		return nil
	}

	mode := batcher.EmitOnBatchEnd
	if immediate {
		mode = batcher.EmitImmediate
	}
	stop := s.Observe(events.ObserverFunc(func(n events.Notification) {
		switch n.Kind {
		case events.ProfileUpdated:
			slog.Info("profiles updated", "count", len(n.Profiles))
		case events.BatchCompleted:
			slog.Info("batch completed",
				"sub", n.Batch.SubscriptionID,
				"requested", n.Batch.Requested,
				"resolved", n.Batch.Resolved,
				"timed_out", n.Batch.TimedOut)
		case events.RelayFailed:
			slog.Warn("relay failed", "relay", n.Relay, "error", n.Err)
		}
	}))
	defer stop()

	summary, err := s.SyncBacklog(ctx, profilesync.SyncOptions{
		Limit:     limit,
		Mode:      mode,
		Randomize: randomize,
		Deadline:  until,
	})
	if err != nil {
		return err
	}
	return printJSON(struct {
		batcher.Summary
		Synced bool
	}{summary, s.IsSynced()})
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := s.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := s.Search(ctx, args[0], searchLimit)
	if err != nil {
		return err
	}
	return printJSON(results)
}
