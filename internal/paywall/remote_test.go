package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPClassifier(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotURL = req.URL

		_ = json.NewEncoder(w).Encode(map[string]any{
			"labels": []map[string]any{
				{"label": "clean", "confidence": 0.3},
				{"label": "paywall", "confidence": 0.88},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, 0, time.Second)
	verdict, err := c.Classify(context.Background(), "some text", "https://x.com/a")
	require.NoError(t, err)
	require.Equal(t, "https://x.com/a", gotURL)
	require.Equal(t, "paywall", verdict.Label)
	require.InDelta(t, 0.88, verdict.Confidence, 1e-9)
}

func TestHTTPClassifierErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, 0, time.Second)
	_, err := c.Classify(context.Background(), "t", "u")
	require.Error(t, err)
}

func TestHTTPClassifierTransportFailure(t *testing.T) {
	c := NewHTTPClassifier("http://192.0.2.1:9/classify", 0, 200*time.Millisecond)
	_, err := c.Classify(context.Background(), "t", "u")
	require.Error(t, err)
}
