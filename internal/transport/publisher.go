// Package transport moves packet records between the probe and the pipeline
// over NATS, and reaches the out-of-process classifier via request-reply.
// Records travel as JSON, the same self-describing shape the store persists.
package transport

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"netsentry/internal/config"
	"netsentry/internal/model"
)

// Publisher publishes packet records to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to NATS and returns a record publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// Publish serializes a PacketRecord to JSON and publishes it.
func (p *Publisher) Publish(record *model.PacketRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
