package monitor

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/database"
)

func demotion(builderID, simError string, slot uint64, insertedAt time.Time) *database.BuilderDemotionEntry {
	d := &database.BuilderDemotionEntry{
		Slot:          slot,
		BlockHash:     "0xblock",
		BuilderPubkey: "0xpubkey-" + builderID,
		SimError:      simError,
		Geo:           "rbx",
		InsertedAt:    insertedAt,
	}
	if builderID != "" {
		d.BuilderID = sql.NullString{String: builderID, Valid: true}
	}
	return d
}

func TestPartitionDemotions(t *testing.T) {
	now := time.Now()
	rows := []*database.BuilderDemotionEntry{
		demotion("a", "504 Gateway Time-out while forwarding", 1, now),             // ignored
		demotion("b", "simulation failed: unknown ancestor 0xdead", 2, now),        // ignored
		demotion("c", "500 Internal Server Error from prio-load-balancer", 3, now), // promotable
		demotion("c", "500 Internal Server Error again", 4, now),                   // dedup
		demotion("d", "invalid signature", 5, now),                                 // alert
		demotion("d", "invalid signature again", 6, now),                           // dedup
		demotion("", "blacklisted tx", 7, now),                                     // alert, pubkey key
	}

	alertRows, warnRows := partitionDemotions(rows)
	require.Len(t, warnRows, 1)
	assert.Equal(t, "c", warnRows[0].BuilderKey())
	require.Len(t, alertRows, 2)
	assert.Equal(t, "d", alertRows[0].BuilderKey())
	assert.Equal(t, uint64(5), alertRows[0].Slot)
	assert.Equal(t, "0xpubkey-", alertRows[1].BuilderKey())
}

func TestScanWindowAlertMintsTokenAndNotifies(t *testing.T) {
	store := newFakeStore()
	chat := newFakeChat()
	scanner := NewDemotionScanner(testLog(), testConfig(), store, chat)

	now := time.Now()
	store.demotions = []*database.BuilderDemotionEntry{
		demotion("bob-builder", "invalid signature", 4939, now.Add(-time.Minute)),
	}

	require.NoError(t, scanner.ScanWindow(context.Background(), now.Add(-time.Hour), now))

	msgs := chat.onChannel(alerts.ChannelDemotions)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].button)

	// the button embeds a 16-char alphanumeric token
	m := regexp.MustCompile(`\?token=([A-Za-z0-9]+)$`).FindStringSubmatch(msgs[0].button.URL)
	require.NotNil(t, m)
	assert.Len(t, m[1], 16)

	// one token row with a 7-day expiry
	require.Len(t, store.tokens, 1)
	expiry, ok := store.tokens[m[1]]
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(7*24*time.Hour), expiry, time.Minute)
	assert.Equal(t, []string{"bob-builder"}, store.tokenBuilders)

	// the builder gets a DM copy
	require.Len(t, chat.dms["bob-builder"], 1)

	// report content
	assert.Contains(t, msgs[0].text, "slot 0004939")
	assert.Contains(t, msgs[0].text, "bob\\-builder")
	assert.Contains(t, msgs[0].text, "```\ninvalid signature\n```")
}

func TestScanWindowPromotableBatchedIntoWarning(t *testing.T) {
	store := newFakeStore()
	chat := newFakeChat()
	scanner := NewDemotionScanner(testLog(), testConfig(), store, chat)

	now := time.Now()
	store.demotions = []*database.BuilderDemotionEntry{
		demotion("a", "simulation queue timed out", 1, now.Add(-2*time.Minute)),
		demotion("b", "500 Internal Server Error", 2, now.Add(-time.Minute)),
	}

	require.NoError(t, scanner.ScanWindow(context.Background(), now.Add(-time.Hour), now))

	// queue timeout is ignored entirely, the 500 lands in one warning
	assert.Empty(t, chat.onChannel(alerts.ChannelDemotions))
	warnings := chat.onChannel(alerts.ChannelWarnings)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].text, "b at slot")
	assert.Empty(t, store.tokens)
}

func TestScanWindowIgnoredProducesNothing(t *testing.T) {
	store := newFakeStore()
	chat := newFakeChat()
	scanner := NewDemotionScanner(testLog(), testConfig(), store, chat)

	now := time.Now()
	store.demotions = []*database.BuilderDemotionEntry{
		demotion("a", "simulation failed: unknown ancestor 0xbeef", 1, now.Add(-time.Minute)),
	}

	require.NoError(t, scanner.ScanWindow(context.Background(), now.Add(-time.Hour), now))
	assert.Empty(t, chat.messages)
}

func TestMintTokenRejectionSamples(t *testing.T) {
	store := newFakeStore()
	store.tokenCollisions = 3
	scanner := NewDemotionScanner(testLog(), testConfig(), store, newFakeChat())

	token, err := scanner.mintToken(context.Background())
	require.NoError(t, err)
	assert.Len(t, token, 16)
	assert.Equal(t, 4, store.tokenExistsCalls)
}

func TestRandomTokenCharset(t *testing.T) {
	token, err := randomToken(16)
	require.NoError(t, err)
	assert.Regexp(t, "^[A-Za-z0-9]{16}$", token)
}

func TestRunInitializesCheckpointWithoutBackfill(t *testing.T) {
	store := newFakeStore()
	chat := newFakeChat()
	scanner := NewDemotionScanner(testLog(), testConfig(), store, chat)

	// a demotion already sits in the table before the first run
	store.demotions = []*database.BuilderDemotionEntry{
		demotion("a", "invalid signature", 1, time.Now().Add(-time.Hour)),
	}

	require.NoError(t, scanner.Run(context.Background()))
	assert.Empty(t, chat.messages)
	assert.False(t, store.checkpoints[database.MonitorDemotion].IsZero())

	// the next run scans only past the checkpoint
	require.NoError(t, scanner.Run(context.Background()))
	assert.Empty(t, chat.messages)
}

func TestFormatDemotionEscapes(t *testing.T) {
	scanner := NewDemotionScanner(testLog(), testConfig(), newFakeStore(), newFakeChat())
	d := demotion("builder_one", "simulation failed: nonce too low", 42, time.Now())

	text := scanner.formatDemotion(d)
	assert.Contains(t, text, `builder\_one`)
	assert.True(t, strings.Contains(text, "https://beaconcha.in/slot/42"))
}
