// Package engine implements the per-record decision point: rule lookup
// first, classifier score second, default-allow last. Each record receives
// exactly one decision, and classifier faults never stall ingestion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/model"
	"netsentry/internal/rules"
)

// autoRulePriority sits below any sane operator or feed priority so explicit
// rules always override classifier-generated ones.
const autoRulePriority = 1 << 16

// Engine decides the action for each incoming record against a rule table
// and an optional classifier.
type Engine struct {
	table      *rules.Table
	classifier model.Classifier // nil when no classifier is deployed

	blockThreshold      float64
	quarantineThreshold float64
	classifierTimeout   time.Duration
	autoRuleTTL         time.Duration

	now func() time.Time
}

// Options carries the tunables for a decision engine. Zero values fall back
// to the documented defaults.
type Options struct {
	BlockThreshold      float64
	QuarantineThreshold float64
	ClassifierTimeout   time.Duration
	AutoRuleTTL         time.Duration
}

// New creates a decision engine bound to the given rule table. The
// classifier may be nil; every unscored record then takes the degraded
// allow-leaning path.
func New(table *rules.Table, classifier model.Classifier, opts Options) *Engine {
	if opts.BlockThreshold == 0 {
		opts.BlockThreshold = 0.9
	}
	if opts.QuarantineThreshold == 0 {
		opts.QuarantineThreshold = 0.7
	}
	if opts.ClassifierTimeout == 0 {
		opts.ClassifierTimeout = 500 * time.Millisecond
	}
	if opts.AutoRuleTTL == 0 {
		opts.AutoRuleTTL = time.Hour
	}
	return &Engine{
		table:               table,
		classifier:          classifier,
		blockThreshold:      opts.BlockThreshold,
		quarantineThreshold: opts.QuarantineThreshold,
		classifierTimeout:   opts.ClassifierTimeout,
		autoRuleTTL:         opts.AutoRuleTTL,
		now:                 time.Now,
	}
}

// Decide runs the terminal per-record state machine and returns the
// decision. No state is carried between records.
func (e *Engine) Decide(ctx context.Context, record *model.PacketRecord) model.Decision {
	// 1. Explicit rules always come first.
	if rule := e.table.Match(record); rule != nil {
		return model.Decision{Action: rule.Action, RuleID: rule.ID}
	}

	// 2. No rule matched; fall back to the classifier score.
	score, degraded := e.score(ctx, record)

	var action model.Action
	switch {
	case score >= e.blockThreshold:
		action = model.ActionBlock
	case score >= e.quarantineThreshold:
		action = model.ActionQuarantine
	default:
		action = model.ActionAllow
	}

	// 3. A classifier-triggered block/quarantine proposes an auto rule so
	// future records from the same source short-circuit at step 1.
	if action != model.ActionAllow {
		e.proposeAutoRule(record, action)
	}

	return model.Decision{Action: action, Degraded: degraded}
}

// score returns the record's threat score. A score attached upstream is
// used when it is inside [0, 1]; an out-of-range value is discarded and the
// classifier consulted instead, under the same validation the classifier
// replies get. Unavailability is absorbed: score 0 (allow-leaning) with the
// degraded flag set, never a fault.
func (e *Engine) score(ctx context.Context, record *model.PacketRecord) (float64, bool) {
	if record.Score != nil {
		if s := *record.Score; s >= 0 && s <= 1 {
			return s, false
		}
		log.Printf("engine: ignoring out-of-range upstream score %g from %s", *record.Score, record.SrcIP)
	}
	if e.classifier == nil {
		return 0, true
	}

	ctx, cancel := context.WithTimeout(ctx, e.classifierTimeout)
	defer cancel()

	score, err := e.classifier.Score(ctx, record)
	if err != nil {
		if !errors.Is(err, model.ErrClassifierUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("engine: classifier failed: %v", err)
		}
		return 0, true
	}
	return score, false
}

// proposeAutoRule registers a lowest-priority block/quarantine rule for the
// record's source address, with a bounded lifetime.
func (e *Engine) proposeAutoRule(record *model.PacketRecord, action model.Action) {
	expiry := e.now().Add(e.autoRuleTTL)
	rule := model.Rule{
		ID:        fmt.Sprintf("auto-%s", uuid.NewString()),
		SrcIP:     record.SrcIP.String(),
		Action:    action,
		Priority:  autoRulePriority,
		Origin:    model.OriginAuto,
		ExpiresAt: &expiry,
		UpdatedAt: e.now(),
	}
	if err := e.table.Upsert(rule); err != nil {
		log.Printf("engine: failed to propose auto rule for %s: %v", record.SrcIP, err)
	}
}
