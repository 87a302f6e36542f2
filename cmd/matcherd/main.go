// Command matcherd runs the matching engine: it loads configuration,
// wires the settlement client, history store, validator, dispatcher and
// feed together, and serves the HTTP surface named in spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"duskex/internal/config"
	"duskex/internal/dispatcher"
	"duskex/internal/feed"
	"duskex/internal/history"
	historystore "duskex/internal/history/store"
	"duskex/internal/settlement"
	"duskex/internal/validator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("matcherd exited")
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var settlementURL string

	cmd := &cobra.Command{
		Use:   "matcherd",
		Short: "duskex matching engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, settlementURL)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./config.yaml", "path to the matcher config file")
	cmd.Flags().StringVar(&settlementURL, "settlement-url", "http://127.0.0.1:6869", "base URL of the settlement node REST API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetContext(ctx)
	cmd = wrapWithShutdown(cmd, stop)
	return cmd
}

func wrapWithShutdown(cmd *cobra.Command, stop context.CancelFunc) *cobra.Command {
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		defer stop()
		return run(c, args)
	}
	return cmd
}

func run(ctx context.Context, configPath, settlementURL string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	matcherKey, err := crypto.HexToECDSA(cfg.Account)
	if err != nil {
		return fmt.Errorf("parse matcher signing key: %w", err)
	}

	settlementClient := settlement.NewHTTPClient(settlementURL, 10*time.Second)

	store, err := historystore.Open(cfg.OrderHistoryFile)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	historySvc := history.New(store, 30*time.Second, 500)
	if err := historySvc.Start(ctx); err != nil {
		return fmt.Errorf("start history service: %w", err)
	}
	defer historySvc.Stop()

	blacklisted, err := cfg.ResolvedBlacklistedAssets()
	if err != nil {
		return err
	}
	v := validator.New(settlementClient, cfg.MaxTimestampDiff, 365*24*time.Hour, blacklisted)

	priceAssets, err := cfg.ResolvedPriceAssets()
	if err != nil {
		return err
	}
	predefined, err := cfg.ResolvedPredefinedPairs()
	if err != nil {
		return err
	}

	hub := feed.NewHub()
	hub.Start()
	defer hub.Stop()

	if err := os.MkdirAll(cfg.JournalDataDir, 0o755); err != nil {
		return fmt.Errorf("ensure journal dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SnapshotsDataDir, 0o755); err != nil {
		return fmt.Errorf("ensure snapshots dir: %w", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		PriceAssets:      priceAssets,
		PredefinedPairs:  predefined,
		Settlement:       settlementClient,
		Validator:        v,
		History:          historySvc,
		FS:               afero.NewOsFs(),
		DataDir:          cfg.JournalDataDir,
		SnapshotInterval: cfg.SnapshotsInterval,
		MatcherKey:       matcherKey,
		Publisher:        hub,
	})

	for _, pair := range predefined {
		if _, err := disp.Route(ctx, pair); err != nil {
			return fmt.Errorf("start predefined pair %s: %w", pair, err)
		}
	}

	srv := newHTTPServer(disp, historySvc, settlementClient, matcherKey.PublicKey, hub)
	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)).Msg("matcherd listening")
	return srv.ListenAndServe(ctx, cfg.BindAddress, cfg.Port)
}
