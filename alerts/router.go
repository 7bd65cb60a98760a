// Package alerts fans monitor findings out to the operator paging service
// (Opsgenie) and the operator chats (Telegram), with per-tier throttling,
// MarkdownV2 escaping, and retry with a plain-text fallback.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/config"
)

// Tier is an escalation level with its own quiet period.
type Tier int

const (
	// TierPage opens an Opsgenie alert; quiet period 4 minutes.
	TierPage Tier = iota
	// TierChat posts to the alerts channel; quiet period 60 minutes.
	TierChat
)

func (t Tier) String() string {
	if t == TierPage {
		return "page"
	}
	return "chat"
}

func (t Tier) quietPeriod() time.Duration {
	if t == TierPage {
		return 4 * time.Minute
	}
	return 60 * time.Minute
}

// Named channels. Chat IDs are resolved from config at send time.
var (
	ChannelAlerts        = Channel{name: "alerts"}
	ChannelWarnings      = Channel{name: "warnings"}
	ChannelBlockNotFound = Channel{name: "block-not-found"}
	ChannelDemotions     = Channel{name: "demotions"}
)

const fallbackText = "relay-ops-monitor: failed to deliver a formatted alert, check the monitor logs"

// Router is safe for concurrent use by the monitor loops.
type Router struct {
	log      *logrus.Entry
	cfg      *config.Config
	telegram *telegramClient
	opsgenie *opsgenieClient

	mu        sync.Mutex
	lastFired map[Tier]time.Time

	// overridable in tests
	nowFn         func() time.Time
	retryInterval time.Duration
}

func NewRouter(log *logrus.Entry, cfg *config.Config) *Router {
	return &Router{
		log:           log.WithField("component", "alerts"),
		cfg:           cfg,
		telegram:      newTelegramClient(cfg.TelegramAPIKey),
		opsgenie:      newOpsgenieClient(cfg.OpsgenieAPIKey),
		lastFired:     make(map[Tier]time.Time),
		nowFn:         time.Now,
		retryInterval: 10 * time.Second,
	}
}

// Fire emits an alarm on the given tier, subject to the tier's quiet period.
// A throttled call is a no-op. The quiet-period slot is claimed under the
// lock before sending, so two loops firing the same tier at once cannot
// double-send; a failed or dropped send releases the claim again, keeping
// the throttle armed only by deliveries.
func (r *Router) Fire(ctx context.Context, tier Tier, message string) {
	now := r.nowFn()
	r.mu.Lock()
	last, fired := r.lastFired[tier]
	if fired && now.Sub(last) < tier.quietPeriod() {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"tier": tier.String(), "lastFired": last}).
			Warn("alarm is throttled")
		return
	}
	r.lastFired[tier] = now
	r.mu.Unlock()

	var err error
	delivered := true
	switch tier {
	case TierPage:
		err = r.page(ctx, message)
	case TierChat:
		if r.chatID(ChannelAlerts) == "" {
			delivered = false
			r.log.Warn("alerts channel not configured, dropping alarm")
		} else {
			err = r.SendChat(ctx, ChannelAlerts, EscapeMarkdownV2(message), nil)
		}
	}
	if err != nil || !delivered {
		if err != nil {
			r.log.WithError(err).WithField("tier", tier.String()).Error("alarm send failed")
		}
		r.mu.Lock()
		if r.lastFired[tier].Equal(now) {
			delete(r.lastFired, tier)
		}
		r.mu.Unlock()
	}
}

func (r *Router) page(ctx context.Context, message string) error {
	if !r.cfg.IsProd() {
		r.log.WithField("message", message).Debug("skipping page on non-prod env")
		return nil
	}
	if err := r.opsgenie.createAlert(ctx, message); err != nil {
		// paging is the highest tier; make sure the failure itself is seen
		fallback := Truncate(fmt.Sprintf("PAGING FAILED: %s", message), maxMessageLen)
		if sendErr := r.telegram.sendPlainMessage(ctx, r.chatID(ChannelAlerts), fallback); sendErr != nil {
			r.log.WithError(sendErr).Error("paging fallback chat message failed")
		}
		return err
	}
	return nil
}

// SendChat posts an already-escaped MarkdownV2 body to a channel, retrying
// transient failures and degrading to a plain ASCII message when the
// formatted send cannot be delivered. A 400 from Telegram is terminal for
// the formatted body and goes straight to the fallback.
func (r *Router) SendChat(ctx context.Context, ch Channel, text string, button *InlineButton) error {
	chatID := r.chatID(ch)
	if chatID == "" {
		r.log.WithField("channel", ch.name).Warn("chat channel not configured, dropping message")
		return nil
	}
	text = Truncate(text, maxMessageLen)

	send := func() error {
		err := r.telegram.sendMessage(ctx, chatID, text, button)
		if err != nil && errors.Is(err, ErrBadRequest) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryInterval), 2), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		r.log.WithError(err).WithField("channel", ch.name).Error("chat send failed, emitting fallback")
		if fbErr := r.telegram.sendPlainMessage(ctx, chatID, fallbackText); fbErr != nil {
			r.log.WithError(fbErr).WithField("channel", ch.name).Error("chat fallback failed")
		}
		return err
	}
	return nil
}

// SendBuilderDM posts to a builder's direct channel, if one is configured.
func (r *Router) SendBuilderDM(ctx context.Context, builderID, text string) {
	chatID, ok := r.cfg.TelegramBuilderDMChannels[builderID]
	if !ok {
		return
	}
	if err := r.SendChat(ctx, ChannelID(chatID), text, nil); err != nil {
		r.log.WithError(err).WithField("builderId", builderID).Error("builder DM failed")
	}
}

func (r *Router) chatID(ch Channel) string {
	if ch.chatID != "" {
		return ch.chatID
	}
	switch ch.name {
	case "alerts":
		return r.cfg.TelegramAlertsChannelID
	case "warnings":
		return r.cfg.TelegramWarningsChannelID
	case "block-not-found":
		return r.cfg.TelegramBlockNotFoundChanID
	case "demotions":
		return r.cfg.TelegramDemotionsChannelID
	}
	return ""
}
