package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClassifier calls a remote classification service over JSON, paced by a
// client-side rate limit so corroboration never hammers the model endpoint.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPClassifier builds a classifier for the given endpoint. qps caps the
// outbound call rate; zero or negative means unlimited.
func NewHTTPClassifier(endpoint string, qps float64, timeout time.Duration) *HTTPClassifier {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
	}
}

type classifyRequest struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type classifyResponse struct {
	Labels []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"labels"`
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text, url string) (RemoteVerdict, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return RemoteVerdict{}, fmt.Errorf("classifier rate wait: %w", err)
	}

	// Cap the payload; the classifier only needs the lede to label a gate.
	if len(text) > 4096 {
		text = text[:4096]
	}
	body, err := json.Marshal(classifyRequest{Text: text, URL: url})
	if err != nil {
		return RemoteVerdict{}, fmt.Errorf("marshal classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return RemoteVerdict{}, fmt.Errorf("new classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return RemoteVerdict{}, fmt.Errorf("classify call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return RemoteVerdict{}, fmt.Errorf("classify call: unexpected status %d", resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return RemoteVerdict{}, fmt.Errorf("decode classify response: %w", err)
	}

	best := RemoteVerdict{}
	for _, l := range parsed.Labels {
		if l.Label == "paywall" && l.Confidence > best.Confidence {
			best = RemoteVerdict{Label: l.Label, Confidence: l.Confidence}
		}
	}
	return best, nil
}
