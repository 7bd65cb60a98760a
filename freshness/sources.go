package freshness

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/beacon"
	"github.com/flashbots/relay-ops-monitor/slots"
)

// ConsensusNodesSource counts beacon nodes that are syncing or unreachable.
type ConsensusNodesSource struct {
	log    *logrus.Entry
	client *beacon.Client
}

func NewConsensusNodesSource(log *logrus.Entry, client *beacon.Client) *ConsensusNodesSource {
	return &ConsensusNodesSource{log: log.WithField("source", "consensus-nodes"), client: client}
}

func (s *ConsensusNodesSource) Name() string { return "consensus nodes" }

func (s *ConsensusNodesSource) Refresh(ctx context.Context) (bool, int, error) {
	unsynced := 0
	for _, url := range s.client.URLs() {
		status, err := s.client.NodeSyncStatus(ctx, url)
		if err != nil {
			s.log.WithError(err).WithField("url", url).Warn("consensus node unreachable")
			unsynced++
			continue
		}
		if status.IsSyncing {
			unsynced++
		}
	}
	return true, unsynced, nil
}

// ValidationNodesSource counts block-simulation nodes reporting eth_syncing.
type ValidationNodesSource struct {
	log     *logrus.Entry
	urls    []string
	clients map[string]*ethclient.Client
}

func NewValidationNodesSource(log *logrus.Entry, urls []string) *ValidationNodesSource {
	s := &ValidationNodesSource{
		log:     log.WithField("source", "validation-nodes"),
		urls:    urls,
		clients: make(map[string]*ethclient.Client, len(urls)),
	}
	for _, url := range urls {
		client, err := ethclient.Dial(url)
		if err != nil {
			s.log.WithError(err).WithField("url", url).Warn("bad validation node url")
			continue
		}
		s.clients[url] = client
	}
	return s
}

func (s *ValidationNodesSource) Name() string { return "validation nodes" }

func (s *ValidationNodesSource) Refresh(ctx context.Context) (bool, int, error) {
	unsynced := 0
	for _, url := range s.urls {
		client, ok := s.clients[url]
		if !ok {
			unsynced++
			continue
		}
		progress, err := client.SyncProgress(ctx)
		if err != nil {
			s.log.WithError(err).WithField("url", url).Warn("validation node unreachable")
			unsynced++
			continue
		}
		if progress != nil {
			unsynced++
		}
	}
	return true, unsynced, nil
}

// SlotLagSource watches a pipeline that records its progress as a max slot
// in the monitor database (auction analysis, header-delay updater, lookback
// updater). It goes stale when the recorded slot lags the chain by more
// than maxLag slots.
type SlotLagSource struct {
	name    string
	clock   slots.Clock
	maxLag  uint64
	maxSlot func(ctx context.Context) (uint64, error)
}

func NewSlotLagSource(name string, clock slots.Clock, maxLag uint64, maxSlot func(ctx context.Context) (uint64, error)) *SlotLagSource {
	return &SlotLagSource{name: name, clock: clock, maxLag: maxLag, maxSlot: maxSlot}
}

func (s *SlotLagSource) Name() string { return s.name }

func (s *SlotLagSource) Refresh(ctx context.Context) (bool, int, error) {
	maxSlot, err := s.maxSlot(ctx)
	if err != nil {
		return false, 0, err
	}
	current := s.clock.Now()
	fresh := current <= maxSlot || current-maxSlot <= s.maxLag
	return fresh, 0, nil
}
