// Package loki extracts typed payload-api log records from the structured
// log aggregator. Missing or malformed logs are a signal the monitors report
// on, not a fault, so decode problems degrade to empty results.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flashbots/relay-ops-monitor/slots"
)

// PublishedStats is the timing breakdown logged when a block was published
// through the beacon node.
type PublishedStats struct {
	DecodedAtSlotAgeMs        uint64 `json:"decoded_at_slot_age_ms"`
	PrePublishDurationMs      uint64 `json:"pre_publish_duration_ms"`
	PublishDurationMs         uint64 `json:"publish_duration_ms"`
	RequestDownloadDurationMs uint64 `json:"request_download_duration_ms"`
}

// LateCallStats is logged when the proposer called getPayload past the safe
// point of the slot.
type LateCallStats struct {
	DecodedAtSlotAgeMs        uint64 `json:"decoded_at_slot_age_ms"`
	RequestDownloadDurationMs uint64 `json:"request_download_duration_ms"`
}

type Client struct {
	log     *logrus.Entry
	baseURL string
	clock   slots.Clock
	httpc   *http.Client
}

func NewClient(log *logrus.Entry, baseURL string, clock slots.Clock) *Client {
	return &Client{
		log:     log.WithField("component", "loki"),
		baseURL: baseURL,
		clock:   clock,
		httpc:   &http.Client{Timeout: 3 * time.Second},
	}
}

// PublishedStats returns the earliest publish-timing record for the slot,
// or nil when the payload API never logged a publish.
func (c *Client) PublishedStats(ctx context.Context, slot uint64) (*PublishedStats, error) {
	query := fmt.Sprintf(`{app="payload-api"} |= "block published through beacon node" |= "\"slot\":%d"`, slot)
	lines, err := c.queryRangeSince(ctx, query, c.sinceSlot(slot))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		var stats PublishedStats
		if err := json.Unmarshal([]byte(line.raw), &stats); err != nil {
			c.log.WithError(err).Warn("undecodable published-stats log line")
			continue
		}
		return &stats, nil
	}
	return nil, nil
}

// LateCallStats returns the earliest late-getPayload warning for the slot.
func (c *Client) LateCallStats(ctx context.Context, slot uint64) (*LateCallStats, error) {
	query := fmt.Sprintf(`{app="payload-api", level="warning"} |= "getPayload sent too late" |= "\"slot\":%d"`, slot)
	lines, err := c.queryRangeSince(ctx, query, c.sinceSlot(slot))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		var stats LateCallStats
		if err := json.Unmarshal([]byte(line.raw), &stats); err != nil {
			c.log.WithError(err).Warn("undecodable late-call log line")
			continue
		}
		return &stats, nil
	}
	return nil, nil
}

// SlotErrors returns the payload-api error messages logged during the slot's
// 12-second window, ordered by time.
func (c *Client) SlotErrors(ctx context.Context, slot uint64) ([]string, error) {
	start := c.clock.TimeOf(slot)
	end := start.Add(slots.SecondsPerSlot * time.Second)

	params := url.Values{}
	params.Set("query", `{app="payload-api", level="error"}`)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))

	lines, err := c.queryRange(ctx, params)
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, line := range lines {
		var record struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line.raw), &record); err != nil || record.Message == "" {
			// fall back to the raw line when it is not structured
			messages = append(messages, line.raw)
			continue
		}
		messages = append(messages, record.Message)
	}
	return messages, nil
}

// sinceSlot covers the span from the slot start until now, with headroom for
// ingestion delay.
func (c *Client) sinceSlot(slot uint64) time.Duration {
	since := time.Since(c.clock.TimeOf(slot)) + time.Minute
	if since < time.Minute {
		since = time.Minute
	}
	return since
}

type logLine struct {
	ts  int64
	raw string
}

func (c *Client) queryRangeSince(ctx context.Context, query string, since time.Duration) ([]logLine, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("since", fmt.Sprintf("%ds", int64(since.Seconds())))
	return c.queryRange(ctx, params)
}

type queryRangeResponse struct {
	Data struct {
		Result []struct {
			Values [][2]string `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// queryRange flattens the stream-per-label response into a single list of
// lines sorted by timestamp ascending.
func (c *Client) queryRange(ctx context.Context, params url.Values) ([]logLine, error) {
	uri := fmt.Sprintf("%s/loki/api/v1/query_range?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki: query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki: unexpected status %d", resp.StatusCode)
	}

	var parsed queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.log.WithError(err).Warn("malformed loki response, treating as empty")
		return nil, nil
	}

	var lines []logLine
	for _, stream := range parsed.Data.Result {
		for _, value := range stream.Values {
			ts, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				c.log.WithField("timestamp", value[0]).Warn("malformed loki timestamp, skipping line")
				continue
			}
			lines = append(lines, logLine{ts: ts, raw: value[1]})
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ts < lines[j].ts })
	return lines, nil
}
