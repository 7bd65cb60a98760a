package monitor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/beacon"
	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/loki"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                       "stag",
		Network:                   "mainnet",
		Geo:                       "rbx",
		RepromoteBaseURL:          "https://relay-ops.internal/repromote",
		MissedSlotsCheckRange:     30,
		MissedSlotsAlertThreshold: 3,
	}
}

// fakeStore implements DemotionStore, PromotionStore, and InclusionStore
// over in-memory slices, filtering windows the way the SQL does.
type fakeStore struct {
	checkpoints map[string]time.Time
	demotions   []*database.BuilderDemotionEntry
	payloads    []*database.DeliveredPayloadEntry
	missed      []*database.MissedSlotEntry

	tokenExistsCalls int
	tokenCollisions  int
	tokens           map[string]time.Time // token -> expiry
	tokenBuilders    []string

	promotedBatches [][]string
	missedWrites    []*database.MissedSlotEntry
	inclusionWrites []*database.MissedSlotEntry
	missCount       int
	meta            *database.ProposerMeta
	adjusted        map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints: map[string]time.Time{},
		tokens:      map[string]time.Time{},
		meta:        &database.ProposerMeta{},
		adjusted:    map[string]bool{},
	}
}

func (f *fakeStore) GetCheckpoint(_ context.Context, id string) (time.Time, error) {
	ts, ok := f.checkpoints[id]
	if !ok {
		return time.Time{}, database.ErrNoCheckpoint
	}
	return ts, nil
}

func (f *fakeStore) SetCheckpoint(_ context.Context, id string, ts time.Time) error {
	f.checkpoints[id] = ts
	return nil
}

func (f *fakeStore) GetBuilderDemotions(_ context.Context, from, to time.Time) ([]*database.BuilderDemotionEntry, error) {
	var out []*database.BuilderDemotionEntry
	for _, d := range f.demotions {
		if d.InsertedAt.After(from) && !d.InsertedAt.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDeliveredPayloads(_ context.Context, from, to time.Time) ([]*database.DeliveredPayloadEntry, error) {
	var out []*database.DeliveredPayloadEntry
	for _, p := range f.payloads {
		if p.InsertedAt.After(from) && !p.InsertedAt.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMissedSlotsAfter(_ context.Context, after time.Time) ([]*database.MissedSlotEntry, error) {
	var out []*database.MissedSlotEntry
	for _, m := range f.missed {
		if m.InsertedAt.After(after) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) PromotionTokenExists(_ context.Context, token string) (bool, error) {
	f.tokenExistsCalls++
	if f.tokenCollisions > 0 {
		f.tokenCollisions--
		return true, nil
	}
	_, exists := f.tokens[token]
	return exists, nil
}

func (f *fakeStore) InsertPromotionToken(_ context.Context, builderID, token string, expiresAt time.Time) error {
	f.tokens[token] = expiresAt
	f.tokenBuilders = append(f.tokenBuilders, builderID)
	return nil
}

func (f *fakeStore) PromoteBuilders(_ context.Context, ids []string) (int64, error) {
	f.promotedBatches = append(f.promotedBatches, ids)
	return int64(len(ids)), nil
}

func (f *fakeStore) SaveMissedSlot(_ context.Context, slot uint64, relayed string, canonical *string) error {
	entry := &database.MissedSlotEntry{SlotNumber: slot, RelayedBlockHash: relayed}
	if canonical != nil {
		entry.CanonicalBlockHash = sql.NullString{String: *canonical, Valid: true}
	}
	f.missedWrites = append(f.missedWrites, entry)
	return nil
}

func (f *fakeStore) SaveInclusionResult(_ context.Context, slot uint64, relayed string, canonical *string) error {
	entry := &database.MissedSlotEntry{SlotNumber: slot, RelayedBlockHash: relayed}
	if canonical != nil {
		entry.CanonicalBlockHash = sql.NullString{String: *canonical, Valid: true}
	}
	f.inclusionWrites = append(f.inclusionWrites, entry)
	return nil
}

func (f *fakeStore) CountMissedSlotsInRange(context.Context, uint64, uint64) (int, error) {
	return f.missCount, nil
}

func (f *fakeStore) GetProposerMeta(context.Context, string) (*database.ProposerMeta, error) {
	return f.meta, nil
}

func (f *fakeStore) IsAdjustedBlockHash(_ context.Context, hash string) (bool, error) {
	return f.adjusted[hash], nil
}

// fakeChat records router traffic.
type chatMessage struct {
	channel alerts.Channel
	text    string
	button  *alerts.InlineButton
}

type fakeChat struct {
	messages []chatMessage
	dms      map[string][]string
	pages    []string
	chats    []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{dms: map[string][]string{}}
}

func (f *fakeChat) SendChat(_ context.Context, ch alerts.Channel, text string, button *alerts.InlineButton) error {
	f.messages = append(f.messages, chatMessage{channel: ch, text: text, button: button})
	return nil
}

func (f *fakeChat) SendBuilderDM(_ context.Context, builderID, text string) {
	f.dms[builderID] = append(f.dms[builderID], text)
}

func (f *fakeChat) Fire(_ context.Context, tier alerts.Tier, message string) {
	if tier == alerts.TierPage {
		f.pages = append(f.pages, message)
	} else {
		f.chats = append(f.chats, message)
	}
}

func (f *fakeChat) onChannel(ch alerts.Channel) []chatMessage {
	var out []chatMessage
	for _, m := range f.messages {
		if m.channel == ch {
			out = append(out, m)
		}
	}
	return out
}

// fakeChain serves canonical blocks per slot.
type fakeChain struct {
	blocks map[uint64]*beacon.ExecutionPayload
	errs   map[uint64]error
}

func (f *fakeChain) BlockBySlotAny(_ context.Context, slot uint64) (*beacon.ExecutionPayload, error) {
	if err, ok := f.errs[slot]; ok {
		return nil, err
	}
	if b, ok := f.blocks[slot]; ok {
		return b, nil
	}
	return nil, beacon.ErrBlockNotFound
}

// fakeLogs serves canned loki results.
type fakeLogs struct {
	published *loki.PublishedStats
	lateCall  *loki.LateCallStats
	errs      []string
}

func (f *fakeLogs) PublishedStats(context.Context, uint64) (*loki.PublishedStats, error) {
	return f.published, nil
}

func (f *fakeLogs) LateCallStats(context.Context, uint64) (*loki.LateCallStats, error) {
	return f.lateCall, nil
}

func (f *fakeLogs) SlotErrors(context.Context, uint64) ([]string, error) {
	return f.errs, nil
}

var errTransport = errors.New("connection refused")
