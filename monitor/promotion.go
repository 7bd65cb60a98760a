package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
)

// PromotionStore is the slice of the database the engine needs.
type PromotionStore interface {
	GetCheckpoint(ctx context.Context, monitorID string) (time.Time, error)
	SetCheckpoint(ctx context.Context, monitorID string, ts time.Time) error
	GetBuilderDemotions(ctx context.Context, from, to time.Time) ([]*database.BuilderDemotionEntry, error)
	GetMissedSlotsAfter(ctx context.Context, after time.Time) ([]*database.MissedSlotEntry, error)
	PromoteBuilders(ctx context.Context, builderIDs []string) (int64, error)
}

// PromotionEngine re-promotes builders whose demotions in the window were
// provably benign: every demotion matches the error allow-lists and none of
// the demoted slots was actually missed by the relay.
type PromotionEngine struct {
	log   *logrus.Entry
	store PromotionStore
	chat  ChatSender

	trustedBuilders map[string]bool
	trustedErrors   []string
}

func NewPromotionEngine(log *logrus.Entry, cfg *config.Config, store PromotionStore, chat ChatSender) *PromotionEngine {
	trusted := make(map[string]bool, len(cfg.TrustedBuilderIDs))
	for _, id := range cfg.TrustedBuilderIDs {
		trusted[id] = true
	}
	return &PromotionEngine{
		log:             log.WithField("monitor", "promotion"),
		store:           store,
		chat:            chat,
		trustedBuilders: trusted,
		trustedErrors:   cfg.TrustedBuilderPromotableErrors,
	}
}

// Run scans (checkpoint, horizon] and advances the checkpoint to the
// horizon. Runs after the demotion scanner and the inclusion reconciler in
// the same tick so the missed-slot table already covers the window.
func (e *PromotionEngine) Run(ctx context.Context, horizon time.Time) error {
	checkpoint, err := e.store.GetCheckpoint(ctx, database.MonitorPromotion)
	if errors.Is(err, database.ErrNoCheckpoint) {
		e.log.Info("no promotion checkpoint, starting from the horizon")
		return e.store.SetCheckpoint(ctx, database.MonitorPromotion, horizon)
	}
	if err != nil {
		return err
	}
	if !horizon.After(checkpoint) {
		return nil
	}
	if err := e.ScanWindow(ctx, checkpoint, horizon); err != nil {
		return err
	}
	return e.store.SetCheckpoint(ctx, database.MonitorPromotion, horizon)
}

func (e *PromotionEngine) ScanWindow(ctx context.Context, from, horizon time.Time) error {
	demotions, err := e.store.GetBuilderDemotions(ctx, from, horizon)
	if err != nil {
		return err
	}
	missed, err := e.store.GetMissedSlotsAfter(ctx, from)
	if err != nil {
		return err
	}

	eligible, usedTrusted := e.eligibleBuilders(demotions, missed)
	if len(eligible) == 0 {
		return nil
	}

	promoted, err := e.store.PromoteBuilders(ctx, eligible)
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"eligible": eligible, "promoted": promoted,
	}).Info("re-promoted builders with benign demotions")

	for _, id := range eligible {
		if usedTrusted[id] {
			e.chat.SendBuilderDM(ctx, id,
				fmt.Sprintf("builder %s was re\\-promoted after a demotion covered by its trusted error allowance",
					alerts.EscapeMarkdownV2(id)))
		}
	}
	return nil
}

// eligibleBuilders groups demotions by builder id (rows without one are
// skipped) and keeps the builders for which every demotion is benign.
// usedTrusted marks builders whose eligibility needed the trusted-error
// allowance rather than the ordinary promotable list.
func (e *PromotionEngine) eligibleBuilders(demotions []*database.BuilderDemotionEntry, missed []*database.MissedSlotEntry) (eligible []string, usedTrusted map[string]bool) {
	missedSlots := make(map[uint64]bool, len(missed))
	for _, m := range missed {
		missedSlots[m.SlotNumber] = true
	}

	groups := map[string][]*database.BuilderDemotionEntry{}
	var order []string
	for _, d := range demotions {
		if !d.BuilderID.Valid || d.BuilderID.String == "" {
			continue
		}
		id := d.BuilderID.String
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], d)
	}

	usedTrusted = map[string]bool{}
	for _, id := range order {
		ok := true
		trusted := false
		for _, d := range groups[id] {
			if missedSlots[d.Slot] {
				ok = false
				break
			}
			simErr := strings.TrimSpace(d.SimError)
			if hasAnyPrefix(simErr, promotableSimErrorPrefixes) {
				continue
			}
			if e.trustedBuilders[id] && hasAnyPrefix(simErr, e.trustedErrors) {
				trusted = true
				continue
			}
			ok = false
			break
		}
		if ok {
			eligible = append(eligible, id)
			usedTrusted[id] = trusted
		}
	}
	return eligible, usedTrusted
}
