// Package supervisor boots the monitors and drives their loops. Any loop
// exiting, cleanly or not, is fatal: the process alerts and exits so the
// orchestrator restarts it from a clean slate.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/beacon"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/freshness"
	"github.com/flashbots/relay-ops-monitor/loki"
	"github.com/flashbots/relay-ops-monitor/monitor"
	"github.com/flashbots/relay-ops-monitor/slots"
)

const (
	opsLoopInterval       = 60 * time.Second
	freshnessLoopInterval = 10 * time.Second

	dbConnectInterval = 10 * time.Second
	dbConnectRetries  = 11 // about two minutes
)

// alertRouter is the slice of the alert router the supervisor uses.
type alertRouter interface {
	Fire(ctx context.Context, tier alerts.Tier, message string)
	SendChat(ctx context.Context, ch alerts.Channel, text string, button *alerts.InlineButton) error
}

type Supervisor struct {
	log    *logrus.Entry
	cfg    *config.Config
	db     *database.Service
	router alertRouter
	clock  slots.Clock

	demotion  *monitor.DemotionScanner
	inclusion *monitor.InclusionReconciler
	promotion *monitor.PromotionEngine
	watcher   *freshness.Watcher
}

func New(log *logrus.Entry, cfg *config.Config) (*Supervisor, error) {
	clock, err := slots.NewClock(cfg.Network)
	if err != nil {
		return nil, err
	}

	router := alerts.NewRouter(log, cfg)

	db, err := connectWithRetry(log, cfg)
	if err != nil {
		router.Fire(context.Background(), alerts.TierPage,
			fmt.Sprintf("relay-ops-monitor (%s/%s) cannot reach its databases, exiting", cfg.Network, cfg.Geo))
		return nil, err
	}

	applied, err := db.Migrate()
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	log.WithField("applied", applied).Info("database migrations up to date")

	chain := beacon.NewClient(log, cfg.ConsensusNodes)
	logq := loki.NewClient(log, cfg.LokiURL, clock)

	sources := []freshness.Source{
		freshness.NewConsensusNodesSource(log, chain),
		freshness.NewValidationNodesSource(log, cfg.ValidationNodes),
		freshness.NewSlotLagSource("auction analysis", clock, cfg.MaxAuctionAnalysisSlotLag, db.MaxAuctionAnalysisSlot),
		freshness.NewSlotLagSource("header-delay updater", clock, cfg.MaxHeaderDelaySlotLag, db.MaxHeaderDelaySlot),
		freshness.NewSlotLagSource("lookback updater", clock, cfg.MaxLookbackSlotLag, db.MaxLookbackSlot),
	}

	return &Supervisor{
		log:       log.WithField("component", "supervisor"),
		cfg:       cfg,
		db:        db,
		router:    router,
		clock:     clock,
		demotion:  monitor.NewDemotionScanner(log, cfg, db, router),
		inclusion: monitor.NewInclusionReconciler(log, cfg, db, chain, logq, router),
		promotion: monitor.NewPromotionEngine(log, cfg, db, router),
		watcher: freshness.NewWatcher(log, router, sources,
			cfg.UnsyncedNodesTGWarningThreshold, cfg.UnsyncedNodesOGAlertThreshold),
	}, nil
}

func connectWithRetry(log *logrus.Entry, cfg *config.Config) (*database.Service, error) {
	var db *database.Service
	connect := func() error {
		var err error
		db, err = database.NewService(log, cfg.RelayDatabaseURL, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Warn("database connect failed, retrying")
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(dbConnectInterval), dbConnectRetries)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	return db, nil
}

// Run blocks until the context is canceled or a loop fails. A loop failure
// is reported to chat before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.opsLoop(ctx) })
	g.Go(func() error { return s.freshnessLoop(ctx) })
	g.Go(func() error { return s.serveHealth(ctx) })

	err := g.Wait()
	s.db.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.reportExit(err)
		return err
	}
	return nil
}

// reportExit tells the operators why the process is going down. It bypasses
// the alarm throttle: an alarm fired earlier in the incident must not
// swallow the exit cause.
func (s *Supervisor) reportExit(cause error) {
	message := alerts.EscapeMarkdownV2(
		fmt.Sprintf("relay-ops-monitor (%s/%s) loop exited: %s", s.cfg.Network, s.cfg.Geo, cause))
	if err := s.router.SendChat(context.Background(), alerts.ChannelAlerts, message, nil); err != nil {
		s.log.WithError(err).Error("exit report send failed")
	}
}

// opsLoop runs the three monitors in order on a fixed cadence. They share
// one canonical horizon per tick but keep independent checkpoints. Monitor
// errors skip the remainder of the tick; the window is retried next tick
// because the failing monitor did not advance its checkpoint.
func (s *Supervisor) opsLoop(ctx context.Context) error {
	ticker := time.NewTicker(opsLoopInterval)
	defer ticker.Stop()

	for {
		s.opsTick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) opsTick(ctx context.Context) {
	horizon := time.Now().Add(-s.cfg.CanonicalWait())

	if err := s.demotion.Run(ctx); err != nil {
		s.log.WithError(err).Error("demotion scan failed")
		return
	}
	if err := s.inclusion.Run(ctx, horizon); err != nil {
		s.log.WithError(err).Error("inclusion scan failed")
		return
	}
	if err := s.promotion.Run(ctx, horizon); err != nil {
		s.log.WithError(err).Error("promotion scan failed")
	}
}

func (s *Supervisor) freshnessLoop(ctx context.Context) error {
	ticker := time.NewTicker(freshnessLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.watcher.Tick(ctx)
		}
	}
}
