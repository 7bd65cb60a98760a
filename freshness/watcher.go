// Package freshness watches the monitor's upstream data pipelines and
// alarms when one stops producing or its backing nodes fall out of sync.
package freshness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/alerts"
)

// DefaultAgeLimit is how long a source may go without fresh data before the
// watcher pages.
const DefaultAgeLimit = 3 * time.Minute

// Source is one data pipeline. Refresh reports whether the pipeline
// produced fresh data on this poll and how many backing nodes are unsynced.
type Source interface {
	Name() string
	Refresh(ctx context.Context) (fresh bool, unsynced int, err error)
}

// AlertSink is the slice of the alert router the watcher uses.
type AlertSink interface {
	Fire(ctx context.Context, tier alerts.Tier, message string)
}

type Watcher struct {
	log     *logrus.Entry
	sink    AlertSink
	sources []Source

	ageLimit      time.Duration
	warnThreshold int
	pageThreshold int

	mu       sync.Mutex
	lastSeen map[string]time.Time

	nowFn func() time.Time
}

// NewWatcher initializes every source's last-seen to the current time, so
// a staleness predating the process start surfaces only after one full age
// limit has passed.
func NewWatcher(log *logrus.Entry, sink AlertSink, sources []Source, warnThreshold, pageThreshold int) *Watcher {
	w := &Watcher{
		log:           log.WithField("component", "freshness"),
		sink:          sink,
		sources:       sources,
		ageLimit:      DefaultAgeLimit,
		warnThreshold: warnThreshold,
		pageThreshold: pageThreshold,
		lastSeen:      make(map[string]time.Time),
		nowFn:         time.Now,
	}
	now := w.nowFn()
	for _, src := range sources {
		w.lastSeen[src.Name()] = now
	}
	return w
}

// Tick polls every source once. Refresh errors are logged and leave the
// source's last-seen untouched, so a persistently failing source ages into
// a page.
func (w *Watcher) Tick(ctx context.Context) {
	now := w.nowFn()
	for _, src := range w.sources {
		fresh, unsynced, err := src.Refresh(ctx)
		if err != nil {
			w.log.WithError(err).WithField("source", src.Name()).Warn("source refresh failed")
		} else if fresh {
			w.setLastSeen(src.Name(), now)
		}

		age := now.Sub(w.getLastSeen(src.Name()))
		if age >= w.ageLimit {
			w.sink.Fire(ctx, alerts.TierPage,
				fmt.Sprintf("%s hasn't updated for more than %d seconds", src.Name(), int(age.Seconds())))
			continue
		}

		if unsynced >= w.pageThreshold {
			w.sink.Fire(ctx, alerts.TierPage,
				fmt.Sprintf("%s: %d nodes unsynced", src.Name(), unsynced))
		}
		if unsynced >= w.warnThreshold {
			w.sink.Fire(ctx, alerts.TierChat,
				fmt.Sprintf("%s: %d nodes unsynced", src.Name(), unsynced))
		}
	}
}

func (w *Watcher) setLastSeen(name string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen[name] = t
}

func (w *Watcher) getLastSeen(name string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen[name]
}
