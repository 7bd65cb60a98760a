// Package monitor holds the three relay monitors: the demotion scanner, the
// promotion engine, and the inclusion reconciler. They run sequentially in
// the ops loop, share the canonical horizon, and keep independent
// checkpoints.
package monitor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/slots"
)

// Demotions whose sim_error starts with one of these are ambient
// infrastructure noise: no operator action, no builder fault. They are
// dropped before partitioning.
var ignoredSimErrorPrefixes = []string{
	"504 Gateway Time-out",
	"simulation queue timed out",
	"simulation failed: unknown ancestor",
	"request timeout hit before processing",
}

// Demotions whose sim_error starts with one of these were provably caused
// by infrastructure rather than the builder. The scanner downgrades them to
// a warning and the promotion engine accepts them as benign.
var promotableSimErrorPrefixes = []string{
	"500 Internal Server Error",
	"simulation failed: block already passed deadline",
	"simulation failed: unknown ancestor",
	"simulation failed: incorrect gas limit",
	"simulation queue timed out",
	"request timeout hit before processing",
}

const (
	promotionTokenLen      = 16
	promotionTokenLifetime = 7 * 24 * time.Hour
	tokenMintMaxAttempts   = 10
)

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DemotionStore is the slice of the database the scanner needs.
type DemotionStore interface {
	GetCheckpoint(ctx context.Context, monitorID string) (time.Time, error)
	SetCheckpoint(ctx context.Context, monitorID string, ts time.Time) error
	GetBuilderDemotions(ctx context.Context, from, to time.Time) ([]*database.BuilderDemotionEntry, error)
	PromotionTokenExists(ctx context.Context, token string) (bool, error)
	InsertPromotionToken(ctx context.Context, builderID, token string, expiresAt time.Time) error
}

// ChatSender is the slice of the alert router the monitors need.
type ChatSender interface {
	SendChat(ctx context.Context, ch alerts.Channel, text string, button *alerts.InlineButton) error
	SendBuilderDM(ctx context.Context, builderID, text string)
	Fire(ctx context.Context, tier alerts.Tier, message string)
}

type DemotionScanner struct {
	log   *logrus.Entry
	cfg   *config.Config
	store DemotionStore
	chat  ChatSender

	nowFn func() time.Time
}

func NewDemotionScanner(log *logrus.Entry, cfg *config.Config, store DemotionStore, chat ChatSender) *DemotionScanner {
	return &DemotionScanner{
		log:   log.WithField("monitor", "demotion"),
		cfg:   cfg,
		store: store,
		chat:  chat,
		nowFn: time.Now,
	}
}

// Run scans demotions inserted since the last checkpoint up to now. On the
// first ever run the checkpoint is initialized to now and nothing is
// backfilled.
func (s *DemotionScanner) Run(ctx context.Context) error {
	now := s.nowFn()
	checkpoint, err := s.store.GetCheckpoint(ctx, database.MonitorDemotion)
	if errors.Is(err, database.ErrNoCheckpoint) {
		s.log.Info("no demotion checkpoint, starting from now")
		return s.store.SetCheckpoint(ctx, database.MonitorDemotion, now)
	}
	if err != nil {
		return err
	}
	if !now.After(checkpoint) {
		return nil
	}
	if err := s.ScanWindow(ctx, checkpoint, now); err != nil {
		return err
	}
	return s.store.SetCheckpoint(ctx, database.MonitorDemotion, now)
}

// ScanWindow classifies every demotion in (from, to], alerts on the ones a
// builder has to answer for, and batches the provably-benign ones into a
// single warning.
func (s *DemotionScanner) ScanWindow(ctx context.Context, from, to time.Time) error {
	demotions, err := s.store.GetBuilderDemotions(ctx, from, to)
	if err != nil {
		return err
	}

	alertRows, warnRows := partitionDemotions(demotions)
	s.log.WithFields(logrus.Fields{
		"total": len(demotions), "alerts": len(alertRows), "warnings": len(warnRows),
	}).Debug("demotion window scanned")

	for _, d := range alertRows {
		if err := s.alertDemotion(ctx, d); err != nil {
			s.log.WithError(err).WithField("builder", d.BuilderKey()).Error("demotion alert failed")
		}
	}

	if len(warnRows) > 0 {
		if err := s.chat.SendChat(ctx, alerts.ChannelWarnings, formatPromotableWarnings(warnRows), nil); err != nil {
			s.log.WithError(err).Error("promotable warning message failed")
		}
	}
	return nil
}

// partitionDemotions drops ignored errors, splits the rest into alerts and
// promotable warnings, and dedupes each partition by builder, keeping the
// first occurrence.
func partitionDemotions(demotions []*database.BuilderDemotionEntry) (alertRows, warnRows []*database.BuilderDemotionEntry) {
	seenAlert := map[string]bool{}
	seenWarn := map[string]bool{}
	for _, d := range demotions {
		simErr := strings.TrimSpace(d.SimError)
		if hasAnyPrefix(simErr, ignoredSimErrorPrefixes) {
			continue
		}
		key := d.BuilderKey()
		if hasAnyPrefix(simErr, promotableSimErrorPrefixes) {
			if !seenWarn[key] {
				seenWarn[key] = true
				warnRows = append(warnRows, d)
			}
			continue
		}
		if !seenAlert[key] {
			seenAlert[key] = true
			alertRows = append(alertRows, d)
		}
	}
	return alertRows, warnRows
}

func (s *DemotionScanner) alertDemotion(ctx context.Context, d *database.BuilderDemotionEntry) error {
	token, err := s.mintToken(ctx)
	if err != nil {
		return fmt.Errorf("mint promotion token: %w", err)
	}
	expiresAt := s.nowFn().Add(promotionTokenLifetime)
	if err := s.store.InsertPromotionToken(ctx, d.BuilderKey(), token, expiresAt); err != nil {
		return err
	}

	button := &alerts.InlineButton{
		Text: "Re-promote builder",
		URL:  fmt.Sprintf("%s?token=%s", s.cfg.RepromoteBaseURL, token),
	}
	message := s.formatDemotion(d)
	if err := s.chat.SendChat(ctx, alerts.ChannelDemotions, message, button); err != nil {
		return err
	}

	if d.BuilderID.Valid {
		s.chat.SendBuilderDM(ctx, d.BuilderID.String, message)
	}
	return nil
}

func (s *DemotionScanner) formatDemotion(d *database.BuilderDemotionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Builder demoted after failed simulation\n")
	fmt.Fprintf(&b, "[slot %s](%s/slot/%d)\n", slots.Format(d.Slot), s.cfg.ExplorerBaseURL(), d.Slot)
	fmt.Fprintf(&b, "network: %s, geo: %s\n",
		alerts.EscapeMarkdownV2(s.cfg.Network), alerts.EscapeMarkdownV2(d.Geo))
	fmt.Fprintf(&b, "builder id: %s\n", alerts.EscapeMarkdownV2(d.BuilderKey()))
	fmt.Fprintf(&b, "builder pubkey: %s\n", alerts.EscapeMarkdownV2(d.BuilderPubkey))
	fmt.Fprintf(&b, "block hash: %s\n", alerts.EscapeMarkdownV2(d.BlockHash))
	b.WriteString(alerts.CodeBlock(strings.TrimSpace(d.SimError)))
	return b.String()
}

func formatPromotableWarnings(rows []*database.BuilderDemotionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Promotable demotions \\(infrastructure errors\\):\n")
	for _, d := range rows {
		firstLine := strings.TrimSpace(d.SimError)
		if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
			firstLine = firstLine[:i]
		}
		fmt.Fprintf(&b, "%s at slot %s: %s\n",
			alerts.EscapeMarkdownV2(d.BuilderKey()),
			slots.Format(d.Slot),
			alerts.EscapeMarkdownV2(alerts.Truncate(firstLine, 120)))
	}
	return b.String()
}

// mintToken rejection-samples a token that does not collide with any
// existing promotion_tokens row.
func (s *DemotionScanner) mintToken(ctx context.Context) (string, error) {
	for attempt := 0; attempt < tokenMintMaxAttempts; attempt++ {
		token, err := randomToken(promotionTokenLen)
		if err != nil {
			return "", err
		}
		exists, err := s.store.PromotionTokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
	return "", fmt.Errorf("could not mint a unique token in %d attempts", tokenMintMaxAttempts)
}

func randomToken(n int) (string, error) {
	out := make([]byte, n)
	charsetLen := big.NewInt(int64(len(tokenCharset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", err
		}
		out[i] = tokenCharset[idx.Int64()]
	}
	return string(out), nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
