package loki

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/relay-ops-monitor/slots"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clock, err := slots.NewClock("mainnet")
	require.NoError(t, err)
	return NewClient(logrus.NewEntry(logrus.New()), srv.URL, clock)
}

func TestPublishedStatsEarliestLine(t *testing.T) {
	// two streams, out of order; the earliest line must win
	body := `{"data":{"result":[
		{"values":[["2000","{\"decoded_at_slot_age_ms\":3200,\"pre_publish_duration_ms\":5,\"publish_duration_ms\":210,\"request_download_duration_ms\":40}"]]},
		{"values":[["1000","{\"decoded_at_slot_age_ms\":3100,\"pre_publish_duration_ms\":4,\"publish_duration_ms\":200,\"request_download_duration_ms\":30}"]]}
	]}}`
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("query"), "block published through beacon node")
		assert.Contains(t, r.URL.Query().Get("query"), `"slot\":100`)
		fmt.Fprint(w, body)
	})

	stats, err := c.PublishedStats(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, uint64(3100), stats.DecodedAtSlotAgeMs)
	assert.Equal(t, uint64(200), stats.PublishDurationMs)
}

func TestPublishedStatsNoMatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"result":[]}}`)
	})
	stats, err := c.PublishedStats(context.Background(), 100)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestMalformedResponseIsEmptyNotError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	})
	stats, err := c.PublishedStats(context.Background(), 100)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestLateCallStats(t *testing.T) {
	body := `{"data":{"result":[
		{"values":[["5","{\"decoded_at_slot_age_ms\":6100,\"request_download_duration_ms\":90}"]]}
	]}}`
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), "getPayload sent too late")
		fmt.Fprint(w, body)
	})

	stats, err := c.LateCallStats(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, uint64(6100), stats.DecodedAtSlotAgeMs)
}

func TestSlotErrorsOrderedAndScoped(t *testing.T) {
	body := `{"data":{"result":[
		{"values":[["300","{\"message\":\"third\"}"],["100","{\"message\":\"first\"}"]]},
		{"values":[["200","{\"message\":\"second\"}"],["250","plain text error"]]}
	]}}`
	var gotStart, gotEnd string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		fmt.Fprint(w, body)
	})

	messages, err := c.SlotErrors(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "plain text error", "third"}, messages)

	// the window is the slot's 12 seconds, in nanoseconds
	assert.NotEmpty(t, gotStart)
	assert.NotEmpty(t, gotEnd)
}

func TestTransportErrorIsError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.PublishedStats(context.Background(), 100)
	assert.Error(t, err)
}
