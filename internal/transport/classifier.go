package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"netsentry/internal/config"
	"netsentry/internal/model"
)

// scoreReply is the classifier service's response payload.
type scoreReply struct {
	Score float64 `json:"score"`
}

// NATSClassifier consults the classifier service over NATS request-reply.
// It implements model.Classifier; any transport fault maps to
// ErrClassifierUnavailable so the decision engine's degraded path absorbs
// it.
type NATSClassifier struct {
	nc      *nats.Conn
	subject string
}

// NewNATSClassifier connects to NATS and returns a classifier client.
func NewNATSClassifier(cfg config.NATSConfig) (*NATSClassifier, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &NATSClassifier{nc: nc, subject: cfg.ClassifierSubject}, nil
}

// Score sends the record to the classifier service and returns its score.
// The caller's context bounds the round trip.
func (c *NATSClassifier) Score(ctx context.Context, record *model.PacketRecord) (float64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", model.ErrClassifierUnavailable, err)
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrClassifierUnavailable, err)
	}

	var reply scoreReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return 0, fmt.Errorf("%w: decode reply: %v", model.ErrClassifierUnavailable, err)
	}
	if reply.Score < 0 || reply.Score > 1 {
		return 0, fmt.Errorf("%w: score %f out of range", model.ErrClassifierUnavailable, reply.Score)
	}
	return reply.Score, nil
}

// Close closes the NATS connection.
func (c *NATSClassifier) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
