package transport

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"netsentry/internal/config"
	"netsentry/internal/model"
)

// RecordHandler is a function that processes a received PacketRecord.
type RecordHandler func(record *model.PacketRecord)

// Subscriber subscribes to the record subject and hands each decoded record
// to a handler.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects to NATS and returns a record subscriber.
func NewSubscriber(cfg config.NATSConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{nc: nc, subject: cfg.Subject}, nil
}

// Start subscribes and begins dispatching records to the handler. Records
// that fail to decode are logged and dropped at this boundary so a corrupt
// message never reaches the pipeline.
func (s *Subscriber) Start(handler RecordHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		var record model.PacketRecord
		if err := json.Unmarshal(msg.Data, &record); err != nil {
			log.Printf("Error unmarshalling record: %v", err)
			return
		}
		handler(&record)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for records...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
