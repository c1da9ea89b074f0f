package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netsentry/internal/model"
	"netsentry/internal/rules"
)

type stubClassifier struct {
	score float64
	err   error
	delay time.Duration
}

func (s *stubClassifier) Score(ctx context.Context, _ *model.PacketRecord) (float64, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.score, s.err
}

func record(src, dst string) *model.PacketRecord {
	return &model.PacketRecord{
		Timestamp: time.Now(),
		SrcIP:     net.ParseIP(src),
		DstIP:     net.ParseIP(dst),
		SrcPort:   40000,
		DstPort:   443,
		Protocol:  6,
		Length:    128,
	}
}

func TestEngine_RuleMatchBeatsClassifier(t *testing.T) {
	table := rules.NewTable()
	require.NoError(t, table.Upsert(model.Rule{
		ID: "block-dst", DstIP: "192.0.2.7", Action: model.ActionBlock, Priority: 1,
	}))
	require.NoError(t, table.Upsert(model.Rule{
		ID: "allow-all", Action: model.ActionAllow, Priority: 5,
	}))

	// Classifier would say benign; the priority-1 block rule must win.
	e := New(table, &stubClassifier{score: 0.0}, Options{})
	dec := e.Decide(context.Background(), record("10.0.0.1", "192.0.2.7"))

	assert.Equal(t, model.ActionBlock, dec.Action)
	assert.Equal(t, "block-dst", dec.RuleID)
	assert.False(t, dec.Degraded)
}

func TestEngine_ClassifierThresholds(t *testing.T) {
	cases := []struct {
		name   string
		score  float64
		action model.Action
	}{
		{"below quarantine", 0.3, model.ActionAllow},
		{"at quarantine", 0.7, model.ActionQuarantine},
		{"at block", 0.9, model.ActionBlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New(rules.NewTable(), &stubClassifier{score: tc.score}, Options{})
			dec := e.Decide(context.Background(), record("10.0.0.1", "8.8.8.8"))
			assert.Equal(t, tc.action, dec.Action)
			assert.Empty(t, dec.RuleID, "classifier decisions carry no rule id")
		})
	}
}

func TestEngine_ClassifierUnavailableFailsOpen(t *testing.T) {
	e := New(rules.NewTable(), &stubClassifier{err: model.ErrClassifierUnavailable}, Options{})

	dec := e.Decide(context.Background(), record("10.0.0.1", "8.8.8.8"))
	assert.Equal(t, model.ActionAllow, dec.Action)
	assert.True(t, dec.Degraded)
}

func TestEngine_ClassifierTimeoutFallsBackDegraded(t *testing.T) {
	e := New(rules.NewTable(), &stubClassifier{score: 1.0, delay: time.Second}, Options{
		ClassifierTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	dec := e.Decide(context.Background(), record("10.0.0.1", "8.8.8.8"))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "timeout must bound the classifier call")
	assert.Equal(t, model.ActionAllow, dec.Action)
	assert.True(t, dec.Degraded)
}

func TestEngine_NilClassifierDegradesToAllow(t *testing.T) {
	e := New(rules.NewTable(), nil, Options{})
	dec := e.Decide(context.Background(), record("10.0.0.1", "8.8.8.8"))
	assert.Equal(t, model.ActionAllow, dec.Action)
	assert.True(t, dec.Degraded)
}

func TestEngine_UpstreamScoreSkipsClassifier(t *testing.T) {
	// A score already attached to the record is trusted without a call.
	e := New(rules.NewTable(), &stubClassifier{err: model.ErrClassifierUnavailable}, Options{})
	rec := record("10.0.0.1", "8.8.8.8")
	score := 0.95
	rec.Score = &score

	dec := e.Decide(context.Background(), rec)
	assert.Equal(t, model.ActionBlock, dec.Action)
	assert.False(t, dec.Degraded)
}

func TestEngine_OutOfRangeUpstreamScoreFallsBackToClassifier(t *testing.T) {
	e := New(rules.NewTable(), &stubClassifier{score: 0.95}, Options{})
	rec := record("10.0.0.1", "8.8.8.8")
	score := 40.0
	rec.Score = &score

	// The bogus upstream value is discarded; the classifier's valid score
	// drives the decision.
	dec := e.Decide(context.Background(), rec)
	assert.Equal(t, model.ActionBlock, dec.Action)
	assert.False(t, dec.Degraded)

	negative := -0.5
	rec2 := record("10.0.0.2", "8.8.8.8")
	rec2.Score = &negative
	e2 := New(rules.NewTable(), nil, Options{})
	dec2 := e2.Decide(context.Background(), rec2)
	assert.Equal(t, model.ActionAllow, dec2.Action)
	assert.True(t, dec2.Degraded, "no classifier and no usable score is the degraded path")
}

func TestEngine_ClassifierBlockProposesAutoRule(t *testing.T) {
	table := rules.NewTable()
	e := New(table, &stubClassifier{score: 0.95}, Options{})

	first := e.Decide(context.Background(), record("203.0.113.5", "8.8.8.8"))
	assert.Equal(t, model.ActionBlock, first.Action)
	assert.Empty(t, first.RuleID)

	snap := table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.OriginAuto, snap[0].Origin)
	assert.Equal(t, autoRulePriority, snap[0].Priority)
	require.NotNil(t, snap[0].ExpiresAt)

	// The next record from the same source now matches the auto rule.
	second := e.Decide(context.Background(), record("203.0.113.5", "1.1.1.1"))
	assert.Equal(t, model.ActionBlock, second.Action)
	assert.Equal(t, snap[0].ID, second.RuleID)
}

func TestEngine_OperatorRuleOverridesAutoRule(t *testing.T) {
	table := rules.NewTable()
	e := New(table, &stubClassifier{score: 0.95}, Options{})

	// Classifier creates an auto block for the source.
	e.Decide(context.Background(), record("203.0.113.5", "8.8.8.8"))

	// Operator explicitly allows the source; any explicit priority beats
	// the auto rule's.
	require.NoError(t, table.Upsert(model.Rule{
		ID: "operator-allow", SrcIP: "203.0.113.5", Action: model.ActionAllow, Priority: 100,
		Origin: model.OriginOperator,
	}))

	dec := e.Decide(context.Background(), record("203.0.113.5", "8.8.8.8"))
	assert.Equal(t, model.ActionAllow, dec.Action)
	assert.Equal(t, "operator-allow", dec.RuleID)
}
