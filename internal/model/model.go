package model

import (
	"net"
	"time"
)

// Action is the enforcement outcome applied to a packet record.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
)

// Origin identifies which actor created a rule.
type Origin string

const (
	OriginOperator Origin = "operator"
	OriginFeed     Origin = "feed"
	OriginAuto     Origin = "auto"
)

// PacketRecord holds the metadata extracted from a single observed packet or
// flow event. It is immutable once handed to the store.
type PacketRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SrcIP     net.IP    `json:"src_ip"`
	DstIP     net.IP    `json:"dst_ip"`
	SrcPort   uint16    `json:"src_port"`
	DstPort   uint16    `json:"dst_port"`
	Protocol  uint8     `json:"protocol"`
	Length    int       `json:"length"`

	// Score is the classifier's threat score in [0,1], if one was attached
	// upstream of the pipeline. Nil means not scored yet.
	Score *float64 `json:"score,omitempty"`
}

// Decision is the per-record outcome of applying rules and/or the classifier.
type Decision struct {
	Action Action `json:"action"`

	// RuleID is the id of the matched rule, or empty when the action came
	// from the classifier or the default policy.
	RuleID string `json:"rule_id,omitempty"`

	// Degraded marks a decision made while the classifier was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// StoredEntry is a PacketRecord plus the sequence number assigned at append
// time and the decision that was applied to it. Sequence numbers are the
// unit of replay position.
type StoredEntry struct {
	Seq uint64 `json:"seq"`
	PacketRecord
	Action   Action `json:"action"`
	RuleID   string `json:"rule_id,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Rule is a predicate/action pair governing decisions. Rules are immutable
// once created; updates replace the whole rule by id.
type Rule struct {
	ID string `json:"id" yaml:"id"`

	// Predicate fields. Empty string (or nil pointer) means wildcard.
	// SrcIP/DstIP accept an exact address or CIDR notation.
	SrcIP    string  `json:"src_ip,omitempty" yaml:"src_ip"`
	DstIP    string  `json:"dst_ip,omitempty" yaml:"dst_ip"`
	Protocol *uint8  `json:"protocol,omitempty" yaml:"protocol"`
	DstPort  *uint16 `json:"dst_port,omitempty" yaml:"dst_port"`

	Action   Action `json:"action" yaml:"action"`
	Priority int    `json:"priority" yaml:"priority"`
	Origin   Origin `json:"origin" yaml:"origin"`

	// ExpiresAt excludes the rule from matching once passed. Nil never
	// expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at"`

	// UpdatedAt breaks ties between racing upserts of the same id.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Expired reports whether the rule is past its expiry at the given time.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
