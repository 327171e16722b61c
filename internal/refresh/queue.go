package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATS subjects and stream for the refresh work queue.
const (
	StreamName     = "RESEARCH_REFRESH"
	SubjectRequest = "research.refresh.request"
	SubjectPrefix  = "research.refresh.>"
	durableName    = "research-refresh-workers"
)

// Queue drains refresh requests from a NATS JetStream work queue into the
// orchestrator. Used when the read path enqueues over NATS instead of HTTP.
type Queue struct {
	js           nats.JetStreamContext
	orchestrator *Orchestrator
	maxInFlight  int
}

// NewQueue sets up the stream and returns a consumer-side queue.
func NewQueue(nc *nats.Conn, o *Orchestrator, maxInFlight int) (*Queue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if err := setupStream(js); err != nil {
		return nil, err
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Queue{js: js, orchestrator: o, maxInFlight: maxInFlight}, nil
}

// Start subscribes the durable consumer and blocks until ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	sub, err := q.js.Subscribe(SubjectRequest, q.handle,
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.MaxAckPending(q.maxInFlight),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	slog.Info("refresh queue consumer started", "subject", SubjectRequest)
	<-ctx.Done()
	return ctx.Err()
}

func (q *Queue) handle(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Error("drop malformed refresh request", "err", err)
		msg.Ack()
		return
	}

	runID := uuid.New().String()
	err := q.orchestrator.Run(context.Background(), runID, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		slog.Info("refresh already in flight, dropping duplicate",
			"run_id", runID, "user", req.UserID, "keyword", req.Keyword)
	default:
		// Orchestration-level failures are recorded on the status record
		// and are not retried automatically.
		slog.Warn("refresh run failed", "run_id", runID, "err", err)
	}
	msg.Ack()
}

func setupStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return err
	}
	return nil
}
