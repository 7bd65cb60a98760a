package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type opsgenieClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func newOpsgenieClient(apiKey string) *opsgenieClient {
	return &opsgenieClient{
		apiKey:  apiKey,
		baseURL: "https://api.opsgenie.com",
		httpc:   &http.Client{Timeout: 3 * time.Second},
	}
}

// createAlert opens an Opsgenie alert. Anything but the documented 202
// accept status is an error so the router can fall back to chat.
func (o *opsgenieClient) createAlert(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v2/alerts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "GenieKey "+o.apiKey)

	resp, err := o.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("opsgenie: send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("opsgenie: unexpected status %d, want 202", resp.StatusCode)
	}
	return nil
}
