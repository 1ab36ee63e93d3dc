package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScoreClient asks an external verification service to rate how well a
// delivery matched the escrow description. The score is attached to the
// receipt when a dispute settles.
type ScoreClient interface {
	ScoreDelivery(ctx context.Context, taskDescription, deliverySummary string) (uint8, error)
}

// HTTPScoreClient posts to a verification endpoint and reads back a
// completion score between 0 and 100.
type HTTPScoreClient struct {
	endpoint string
	http     *http.Client
}

func NewHTTPScoreClient(endpoint string) *HTTPScoreClient {
	return &HTTPScoreClient{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type scoreRequest struct {
	TaskDescription string `json:"taskDescription"`
	DeliverySummary string `json:"deliverySummary"`
}

type scoreResponse struct {
	CompletionScore int    `json:"completionScore"`
	Recommendation  string `json:"recommendation"`
	Reasoning       string `json:"reasoning"`
}

func (c *HTTPScoreClient) ScoreDelivery(ctx context.Context, taskDescription, deliverySummary string) (uint8, error) {
	payload, err := json.Marshal(scoreRequest{
		TaskDescription: taskDescription,
		DeliverySummary: deliverySummary,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("score service returned status %d", resp.StatusCode)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, err
	}
	if decoded.CompletionScore < 0 || decoded.CompletionScore > 100 {
		return 0, fmt.Errorf("score service returned out-of-range score %d", decoded.CompletionScore)
	}
	return uint8(decoded.CompletionScore), nil
}
