package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alliedadvantage/research-engine/internal/refresh"
)

// Enqueuer fires the refresh trigger across the process boundary. A returned
// error means the trigger is unreachable and surfaces as enqueue_failed.
type Enqueuer interface {
	Enqueue(ctx context.Context, req refresh.Request) error
}

// HTTPEnqueuer POSTs refresh requests to the orchestrator endpoint.
type HTTPEnqueuer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEnqueuer creates an enqueuer against the given trigger URL.
func NewHTTPEnqueuer(endpoint string) *HTTPEnqueuer {
	return &HTTPEnqueuer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *HTTPEnqueuer) Enqueue(ctx context.Context, req refresh.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trigger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trigger returned status %d", resp.StatusCode)
	}
	return nil
}

// NATSEnqueuer publishes refresh requests onto the JetStream work queue
// drained by refresh.Queue.
type NATSEnqueuer struct {
	js nats.JetStreamContext
}

// NewNATSEnqueuer creates a queue-backed enqueuer.
func NewNATSEnqueuer(nc *nats.Conn) (*NATSEnqueuer, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &NATSEnqueuer{js: js}, nil
}

func (e *NATSEnqueuer) Enqueue(_ context.Context, req refresh.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := e.js.Publish(refresh.SubjectRequest, data); err != nil {
		return fmt.Errorf("publish refresh request: %w", err)
	}
	return nil
}
