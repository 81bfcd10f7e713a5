package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const requestTimeout = 2 * time.Second

// Client reports point awards to the external reputation service. Awards are
// advisory; a failed call is logged and never propagated to the caller's
// pipeline.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClientFromEnv builds the client from REPUTATION_URL. A missing URL
// returns (nil, nil) so callers treat reputation as disabled.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("REPUTATION_URL"))
	if baseURL == "" {
		return nil, nil
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(os.Getenv("REPUTATION_API_KEY")),
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

type awardRequest struct {
	UserID uint64 `json:"user_id"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

// Award posts a point grant. Errors are swallowed after logging.
func (c *Client) Award(userID uint64, points int, reason string) {
	if c == nil || points == 0 {
		return
	}
	if err := c.post(awardRequest{UserID: userID, Points: points, Reason: reason}); err != nil {
		log.Printf("reputation: award %d points to user %d: %v", points, userID, err)
	}
}

func (c *Client) post(award awardRequest) error {
	body, err := json.Marshal(award)
	if err != nil {
		return fmt.Errorf("reputation: encode award: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/awards", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reputation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reputation: call service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reputation: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
