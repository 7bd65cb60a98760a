package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/loki"
	"github.com/flashbots/relay-ops-monitor/slots"
)

// incident carries everything the reconciler learned about a missed slot.
// Evidence gathering is best-effort: a failed lookup leaves the field empty
// and the report says so.
type incident struct {
	payload        *database.DeliveredPayloadEntry
	canonicalHash  *string
	isAdjustment   bool
	attemptedReorg bool
	published      *loki.PublishedStats
	lateCall       *loki.LateCallStats
	slotErrors     []string
	meta           *database.ProposerMeta
}

func (r *InclusionReconciler) gatherIncident(ctx context.Context, p *database.DeliveredPayloadEntry, canonical *string, attemptedReorg bool) *incident {
	inc := &incident{
		payload:        p,
		canonicalHash:  canonical,
		attemptedReorg: attemptedReorg,
		meta:           &database.ProposerMeta{},
	}

	var err error
	if inc.isAdjustment, err = r.store.IsAdjustedBlockHash(ctx, p.BlockHash); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Warn("adjustment trace lookup failed")
	}
	if inc.published, err = r.logs.PublishedStats(ctx, p.Slot); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Warn("published stats query failed")
	}
	if inc.lateCall, err = r.logs.LateCallStats(ctx, p.Slot); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Warn("late-call stats query failed")
	}
	if inc.slotErrors, err = r.logs.SlotErrors(ctx, p.Slot); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Warn("slot error query failed")
	}
	if meta, err := r.store.GetProposerMeta(ctx, p.ProposerPubkey); err != nil {
		r.log.WithError(err).WithField("slot", p.Slot).Warn("proposer meta lookup failed")
	} else {
		inc.meta = meta
	}
	return inc
}

// render produces the BlockNotFound chat message. Order matters: chain
// evidence first, then relay-side timing, then proposer context, then the
// closing judgement.
func (inc *incident) render(cfg *config.Config) string {
	p := inc.payload
	var b strings.Builder

	fmt.Fprintf(&b, "Delivered payload not found on chain\n")
	fmt.Fprintf(&b, "[slot %s](%s/slot/%d)\n", slots.Format(p.Slot), cfg.ExplorerBaseURL(), p.Slot)
	fmt.Fprintf(&b, "network: %s, geo: %s\n",
		alerts.EscapeMarkdownV2(cfg.Network), alerts.EscapeMarkdownV2(p.Geo))
	fmt.Fprintf(&b, "payload block hash: %s\n", alerts.EscapeMarkdownV2(p.BlockHash))
	if inc.canonicalHash != nil {
		fmt.Fprintf(&b, "block hash on chain: %s\n", alerts.EscapeMarkdownV2(*inc.canonicalHash))
	} else {
		b.WriteString("block hash on chain: none\n")
	}
	fmt.Fprintf(&b, "is adjustment: %t\n", inc.isAdjustment)
	fmt.Fprintf(&b, "is attempted reorg: %t\n", inc.attemptedReorg)

	if inc.published != nil {
		fmt.Fprintf(&b, "publish stats: decoded at slot age %dms, pre publish %dms, publish %dms, request download %dms\n",
			inc.published.DecodedAtSlotAgeMs, inc.published.PrePublishDurationMs,
			inc.published.PublishDurationMs, inc.published.RequestDownloadDurationMs)
	} else {
		b.WriteString("no logs indicating beacon node publish\n")
	}

	fmt.Fprintf(&b, "proposer: city %s, country %s\n",
		escapeNull(inc.meta.City), escapeNull(inc.meta.Country))
	fmt.Fprintf(&b, "graffiti: %s\n", escapeNull(inc.meta.Graffiti))
	fmt.Fprintf(&b, "registration ip: %s, request ip: %s\n",
		escapeNull(inc.meta.RegistrationIP), escapeNull(inc.meta.PayloadRequestIP))
	fmt.Fprintf(&b, "label: %s, lido operator: %s\n",
		escapeNull(inc.meta.Label), escapeNull(inc.meta.LidoOperator))

	if len(inc.slotErrors) > 0 {
		for _, msg := range inc.slotErrors {
			b.WriteString(alerts.CodeBlock(msg))
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("no publish errors found\n")
	}

	if inc.lateCall != nil {
		fmt.Fprintf(&b, "late call stats: decoded at slot age %dms, request download %dms\n",
			inc.lateCall.DecodedAtSlotAgeMs, inc.lateCall.RequestDownloadDurationMs)
	} else {
		b.WriteString("no late call warnings found\n")
	}

	if (inc.published == nil && inc.lateCall != nil) || inc.attemptedReorg {
		b.WriteString("this miss is less concerning: the proposer asked too late or built on a stale head\n")
	}
	return b.String()
}

func escapeNull(s sql.NullString) string {
	if !s.Valid || s.String == "" {
		return "unknown"
	}
	return alerts.EscapeMarkdownV2(s.String)
}
