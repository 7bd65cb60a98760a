// Package beacon is a read-only client over a pool of consensus nodes.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBlockNotFound means every queried node returned 404 for the slot: the
// slot was missed or the block was orphaned. It is a signal, not a fault.
var ErrBlockNotFound = errors.New("beacon: block not found")

// ExecutionPayload is the subset of the beacon block body the monitor needs.
type ExecutionPayload struct {
	BlockHash   string
	BlockNumber uint64
}

// SyncStatus mirrors /eth/v1/node/syncing.
type SyncStatus struct {
	HeadSlot  uint64
	IsSyncing bool
}

type Client struct {
	log   *logrus.Entry
	urls  []string
	httpc *http.Client
}

func NewClient(log *logrus.Entry, urls []string) *Client {
	return &Client{
		log:   log.WithField("component", "beacon"),
		urls:  urls,
		httpc: &http.Client{Timeout: 3 * time.Second},
	}
}

// BlockBySlotAny asks the pool for the canonical block at slot, trying nodes
// in random order. A node answering 404 is not authoritative on its own (it
// may simply be behind), so the remaining nodes are tried before concluding
// the slot is empty.
func (c *Client) BlockBySlotAny(ctx context.Context, slot uint64) (*ExecutionPayload, error) {
	var lastErr error
	notFound := false
	for _, i := range rand.Perm(len(c.urls)) {
		payload, err := c.blockBySlot(ctx, c.urls[i], slot)
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, ErrBlockNotFound) {
			notFound = true
			continue
		}
		c.log.WithError(err).WithField("url", c.urls[i]).Warn("beacon block query failed")
		lastErr = err
	}
	if notFound {
		return nil, ErrBlockNotFound
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("beacon: no consensus nodes configured")
}

type blockResponse struct {
	Data struct {
		Message struct {
			Body struct {
				ExecutionPayload struct {
					BlockHash   string `json:"block_hash"`
					BlockNumber string `json:"block_number"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

func (c *Client) blockBySlot(ctx context.Context, url string, slot uint64) (*ExecutionPayload, error) {
	uri := fmt.Sprintf("%s/eth/v2/beacon/blocks/%d", url, slot)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beacon: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBlockNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("beacon: unexpected status %d from %s", resp.StatusCode, url)
	}

	var parsed blockResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("beacon: malformed block response: %w", err)
	}

	ep := parsed.Data.Message.Body.ExecutionPayload
	blockNumber, err := strconv.ParseUint(ep.BlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("beacon: malformed block number %q: %w", ep.BlockNumber, err)
	}
	return &ExecutionPayload{BlockHash: ep.BlockHash, BlockNumber: blockNumber}, nil
}

type syncingResponse struct {
	Data struct {
		HeadSlot  string `json:"head_slot"`
		IsSyncing bool   `json:"is_syncing"`
	} `json:"data"`
}

// NodeSyncStatus queries a single node's sync state.
func (c *Client) NodeSyncStatus(ctx context.Context, url string) (*SyncStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/eth/v1/node/syncing", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beacon: syncing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon: unexpected status %d from %s", resp.StatusCode, url)
	}

	var parsed syncingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("beacon: malformed syncing response: %w", err)
	}

	headSlot, _ := strconv.ParseUint(parsed.Data.HeadSlot, 10, 64)
	return &SyncStatus{HeadSlot: headSlot, IsSyncing: parsed.Data.IsSyncing}, nil
}

// URLs exposes the configured node pool, used by the freshness sources.
func (c *Client) URLs() []string {
	return c.urls
}
