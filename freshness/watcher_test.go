package freshness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/relay-ops-monitor/alerts"
	"github.com/flashbots/relay-ops-monitor/slots"
)

type fakeSink struct {
	pages []string
	chats []string
}

func (f *fakeSink) Fire(_ context.Context, tier alerts.Tier, message string) {
	if tier == alerts.TierPage {
		f.pages = append(f.pages, message)
	} else {
		f.chats = append(f.chats, message)
	}
}

type fakeSource struct {
	name     string
	fresh    bool
	unsynced int
	err      error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Refresh(context.Context) (bool, int, error) {
	return f.fresh, f.unsynced, f.err
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestWatcherStaleSourcePages(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{name: "auction analysis", fresh: false}
	w := NewWatcher(testLog(), sink, []Source{src}, 1, 2)

	now := time.Now()
	w.nowFn = func() time.Time { return now }
	w.lastSeen[src.Name()] = now

	w.Tick(context.Background())
	assert.Empty(t, sink.pages)

	// nothing fresh for longer than the age limit
	now = now.Add(DefaultAgeLimit + time.Second)
	w.Tick(context.Background())
	require.Len(t, sink.pages, 1)
	assert.Contains(t, sink.pages[0], "auction analysis hasn't updated for more than 181 seconds")
}

func TestWatcherFreshSourceAdvancesLastSeen(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{name: "lookback updater", fresh: true}
	w := NewWatcher(testLog(), sink, []Source{src}, 1, 2)

	now := time.Now()
	w.nowFn = func() time.Time { return now }

	for i := 0; i < 30; i++ {
		now = now.Add(time.Minute)
		w.Tick(context.Background())
	}
	assert.Empty(t, sink.pages)
}

func TestWatcherRefreshErrorDoesNotAdvance(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{name: "header-delay updater", fresh: true, err: errors.New("boom")}
	w := NewWatcher(testLog(), sink, []Source{src}, 1, 2)

	now := time.Now()
	w.nowFn = func() time.Time { return now }

	now = now.Add(DefaultAgeLimit + time.Second)
	w.Tick(context.Background())
	require.Len(t, sink.pages, 1)
}

func TestWatcherUnsyncedThresholds(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{name: "consensus nodes", fresh: true, unsynced: 1}
	w := NewWatcher(testLog(), sink, []Source{src}, 1, 2)

	// one unsynced node: chat warning only
	w.Tick(context.Background())
	assert.Empty(t, sink.pages)
	require.Len(t, sink.chats, 1)
	assert.Contains(t, sink.chats[0], "1 nodes unsynced")

	// two unsynced nodes: page and chat
	src.unsynced = 2
	w.Tick(context.Background())
	require.Len(t, sink.pages, 1)
	assert.Contains(t, sink.pages[0], "2 nodes unsynced")
}

func TestSlotLagSource(t *testing.T) {
	clock, err := slots.NewClock("mainnet")
	require.NoError(t, err)
	current := clock.Now()

	recorded := current
	src := NewSlotLagSource("auction analysis", clock, 50,
		func(context.Context) (uint64, error) { return recorded, nil })

	fresh, unsynced, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Zero(t, unsynced)

	recorded = current - 51
	fresh, _, err = src.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, fresh)

	srcErr := NewSlotLagSource("lookback updater", clock, 600,
		func(context.Context) (uint64, error) { return 0, errors.New("db down") })
	_, _, err = srcErr.Refresh(context.Background())
	assert.Error(t, err)
}

func TestValidationNodesSource(t *testing.T) {
	synced := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":false}`)
	}))
	defer synced.Close()
	syncing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"startingBlock":"0x0","currentBlock":"0x1","highestBlock":"0x100"}}`)
	}))
	defer syncing.Close()

	src := NewValidationNodesSource(testLog(), []string{synced.URL, syncing.URL, "http://127.0.0.1:1"})
	fresh, unsynced, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh)
	// one syncing, one unreachable
	assert.Equal(t, 2, unsynced)
}
