package model

import (
	"context"
	"errors"
)

// ErrClassifierUnavailable signals that the classifier could not produce a
// score in time. Callers fall back to the degraded decision path; the error
// never propagates past the decision engine.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Classifier scores a packet record for threat likelihood. Model internals
// live behind this boundary; the pipeline only consumes the score.
type Classifier interface {
	// Score returns a threat score in [0,1] for the record, or
	// ErrClassifierUnavailable when no score can be produced.
	Score(ctx context.Context, record *PacketRecord) (float64, error)
}
