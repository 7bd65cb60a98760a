package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/beacon"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/loki"
	"github.com/flashbots/relay-ops-monitor/slots"
)

// InclusionStore is the slice of the database the reconciler needs.
type InclusionStore interface {
	GetCheckpoint(ctx context.Context, monitorID string) (time.Time, error)
	SetCheckpoint(ctx context.Context, monitorID string, ts time.Time) error
	GetDeliveredPayloads(ctx context.Context, from, to time.Time) ([]*database.DeliveredPayloadEntry, error)
	SaveMissedSlot(ctx context.Context, slot uint64, relayedBlockHash string, canonicalBlockHash *string) error
	SaveInclusionResult(ctx context.Context, slot uint64, relayedBlockHash string, canonicalBlockHash *string) error
	CountMissedSlotsInRange(ctx context.Context, fromSlot, toSlot uint64) (int, error)
	GetProposerMeta(ctx context.Context, pubkey string) (*database.ProposerMeta, error)
	IsAdjustedBlockHash(ctx context.Context, blockHash string) (bool, error)
}

// ChainReader is the slice of the beacon client the reconciler needs.
type ChainReader interface {
	BlockBySlotAny(ctx context.Context, slot uint64) (*beacon.ExecutionPayload, error)
}

// LogReader is the slice of the log-query client the reconciler needs.
type LogReader interface {
	PublishedStats(ctx context.Context, slot uint64) (*loki.PublishedStats, error)
	LateCallStats(ctx context.Context, slot uint64) (*loki.LateCallStats, error)
	SlotErrors(ctx context.Context, slot uint64) ([]string, error)
}

// InclusionReconciler verifies that every payload the relay delivered
// actually landed on the canonical chain, and reports the ones that did not
// with timing evidence and proposer context.
type InclusionReconciler struct {
	log   *logrus.Entry
	cfg   *config.Config
	store InclusionStore
	chain ChainReader
	logs  LogReader
	chat  ChatSender
}

func NewInclusionReconciler(log *logrus.Entry, cfg *config.Config, store InclusionStore, chain ChainReader, logs LogReader, chat ChatSender) *InclusionReconciler {
	return &InclusionReconciler{
		log:   log.WithField("monitor", "inclusion"),
		cfg:   cfg,
		store: store,
		chain: chain,
		logs:  logs,
		chat:  chat,
	}
}

// Run reconciles payloads delivered in (checkpoint, horizon] and advances
// the checkpoint. The horizon keeps the window behind the canonical wait so
// the chain has settled before we judge a slot.
func (r *InclusionReconciler) Run(ctx context.Context, horizon time.Time) error {
	checkpoint, err := r.store.GetCheckpoint(ctx, database.MonitorInclusion)
	if errors.Is(err, database.ErrNoCheckpoint) {
		r.log.Info("no inclusion checkpoint, starting from the horizon")
		return r.store.SetCheckpoint(ctx, database.MonitorInclusion, horizon)
	}
	if err != nil {
		return err
	}
	if !horizon.After(checkpoint) {
		return nil
	}
	if err := r.ScanWindow(ctx, checkpoint, horizon); err != nil {
		return err
	}
	return r.store.SetCheckpoint(ctx, database.MonitorInclusion, horizon)
}

func (r *InclusionReconciler) ScanWindow(ctx context.Context, from, horizon time.Time) error {
	payloads, err := r.store.GetDeliveredPayloads(ctx, from, horizon)
	if err != nil {
		return err
	}

	for _, p := range payloads {
		if err := r.reconcile(ctx, p); err != nil {
			return err
		}
	}

	if len(payloads) > 0 {
		if err := r.checkMissRate(ctx, payloads[len(payloads)-1].Slot); err != nil {
			r.log.WithError(err).Error("missed-slot rate check failed")
		}
	}
	return nil
}

// reconcile checks one delivered payload against the canonical chain. Every
// payload ends in exactly one of: a debug log (included as promised) or a
// missed_slots row plus an incident report.
func (r *InclusionReconciler) reconcile(ctx context.Context, p *database.DeliveredPayloadEntry) error {
	onChain, err := r.chain.BlockBySlotAny(ctx, p.Slot)
	switch {
	case err == nil && onChain.BlockHash == p.BlockHash:
		r.log.WithFields(logrus.Fields{"slot": p.Slot, "blockHash": p.BlockHash}).
			Debug("delivered payload found on chain")
		return nil

	case err == nil:
		// a canonical block exists but it is not ours
		canonical := onChain.BlockHash
		if err := r.recordMiss(ctx, p, &canonical); err != nil {
			return err
		}
		return r.report(ctx, p, &canonical, false)

	case errors.Is(err, beacon.ErrBlockNotFound):
		attemptedReorg := r.detectAttemptedReorg(ctx, p)
		if err := r.recordMiss(ctx, p, nil); err != nil {
			return err
		}
		return r.report(ctx, p, nil, attemptedReorg)

	default:
		// transport trouble: skip this iteration without advancing the
		// checkpoint, the next tick retries the window
		return err
	}
}

// detectAttemptedReorg checks whether the preceding slot already carries the
// same block number, which means the proposer built on a stale head and
// our block lost a reorg race rather than never being published.
func (r *InclusionReconciler) detectAttemptedReorg(ctx context.Context, p *database.DeliveredPayloadEntry) bool {
	if p.Slot == 0 {
		return false
	}
	prev, err := r.chain.BlockBySlotAny(ctx, p.Slot-1)
	if err != nil {
		if !errors.Is(err, beacon.ErrBlockNotFound) {
			r.log.WithError(err).WithField("slot", p.Slot-1).Warn("reorg lookup failed")
		}
		return false
	}
	return prev.BlockNumber == p.BlockNumber
}

func (r *InclusionReconciler) recordMiss(ctx context.Context, p *database.DeliveredPayloadEntry, canonical *string) error {
	if err := r.store.SaveMissedSlot(ctx, p.Slot, p.BlockHash, canonical); err != nil {
		return err
	}
	return r.store.SaveInclusionResult(ctx, p.Slot, p.BlockHash, canonical)
}

func (r *InclusionReconciler) report(ctx context.Context, p *database.DeliveredPayloadEntry, canonical *string, attemptedReorg bool) error {
	incident := r.gatherIncident(ctx, p, canonical, attemptedReorg)
	if err := r.chat.SendChat(ctx, alerts.ChannelBlockNotFound, incident.render(r.cfg), nil); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Error("incident report send failed")
	}
	return nil
}

// checkMissRate alerts when too many of the recent slots were missed.
func (r *InclusionReconciler) checkMissRate(ctx context.Context, lastSlot uint64) error {
	fromSlot := uint64(0)
	if lastSlot > r.cfg.MissedSlotsCheckRange {
		fromSlot = lastSlot - r.cfg.MissedSlotsCheckRange
	}
	count, err := r.store.CountMissedSlotsInRange(ctx, fromSlot, lastSlot)
	if err != nil {
		return err
	}
	if count < r.cfg.MissedSlotsAlertThreshold {
		return nil
	}
	message := r.missRateMessage(count, lastSlot)
	r.chat.Fire(ctx, alerts.TierPage, message)
	r.chat.Fire(ctx, alerts.TierChat, message)
	return nil
}

func (r *InclusionReconciler) missRateMessage(count int, lastSlot uint64) string {
	return fmt.Sprintf("relay missed %d of the last %d slots, up to slot %s",
		count, r.cfg.MissedSlotsCheckRange, slots.Format(lastSlot))
}
