// Package events publishes job lifecycle notifications for the chat
// front-end. Publishing is best effort: a lost event never affects billing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/reibot/backend/internal/models"
)

// Event types.
const (
	JobCreated   = "created"
	JobStarted   = "started"
	JobProgress  = "progress"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobExpired   = "expired"
)

type JobEvent struct {
	Type       string           `json:"type"`
	JobID      int64            `json:"job_id"`
	UserID     int64            `json:"user_id"`
	Status     models.JobStatus `json:"status"`
	Progress   int              `json:"progress,omitempty"`
	ResultURL  string           `json:"result_url,omitempty"`
	Error      string           `json:"error,omitempty"`
	Cost       string           `json:"cost,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewJobEvent fills the common fields from a job row.
func NewJobEvent(eventType string, j *models.Job) JobEvent {
	e := JobEvent{
		Type:       eventType,
		JobID:      j.ID,
		UserID:     j.UserID,
		Status:     j.Status,
		Progress:   j.Progress,
		OccurredAt: time.Now().UTC(),
	}
	if j.ResultURL != nil {
		e.ResultURL = *j.ResultURL
	}
	if j.ErrorMessage != nil {
		e.Error = *j.ErrorMessage
	}
	if j.CostActual != nil {
		e.Cost = j.CostActual.StringFixed(2)
	}
	return e
}

type Publisher interface {
	PublishJob(ctx context.Context, e JobEvent)
}

// Noop drops every event. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) PublishJob(context.Context, JobEvent) {}

// NATSPublisher publishes to "<prefix>.<type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("reibot-billing"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Warn("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSPublisher(conn *nats.Conn, prefix string, log *slog.Logger) *NATSPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*NATSPublisher)(nil)
)

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) PublishJob(_ context.Context, e JobEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error("marshal job event", "job_id", e.JobID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		p.log.Warn("publish job event failed", "job_id", e.JobID, "type", e.Type, "error", err)
	}
}
