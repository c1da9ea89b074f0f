// Package rules holds the versioned allow/block/quarantine rule set shared
// by the decision engine and its updaters (operator input, threat-intel
// sync, classifier feedback). All mutation funnels through Upsert/Revoke;
// Match never observes a half-written rule.
package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"netsentry/internal/model"
)

// compiled is a rule with its predicate parsed once at upsert time, so Match
// stays cheap on the hot path.
type compiled struct {
	rule   model.Rule
	srcNet *net.IPNet // nil means wildcard
	dstNet *net.IPNet
}

// Table is the in-process rule store. Matching walks rules in (priority
// ascending, id ascending) order, so evaluation is a deterministic total
// order.
type Table struct {
	mu      sync.RWMutex
	ordered []*compiled
	gen     uint64

	// persistPath, when set, makes the table load at startup and save after
	// every mutation, so rules survive restarts. Empty disables this.
	persistPath string
	saveMu      sync.Mutex
	savedGen    uint64

	now func() time.Time
}

// NewTable creates an empty rule table.
func NewTable() *Table {
	return &Table{now: time.Now}
}

// NewPersistentTable creates a table backed by a JSON rules file. A missing
// file is not an error; the table starts empty and creates it on first save.
func NewPersistentTable(path string) (*Table, error) {
	t := &Table{persistPath: path, now: time.Now}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Upsert inserts the rule or replaces the existing rule with the same id.
// The change is visible to the next Match immediately. Racing upserts for
// one id resolve last-write-wins by UpdatedAt; an update carrying an older
// UpdatedAt than the incumbent is dropped, equal timestamps let the later
// arrival win.
func (t *Table) Upsert(rule model.Rule) error {
	c, err := compile(rule)
	if err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		c.rule.UpdatedAt = t.now()
	}

	t.mu.Lock()
	applied := t.applyLocked(c)
	var gen uint64
	var snapshot []model.Rule
	if applied {
		t.sortLocked()
		gen, snapshot = t.dirtyLocked()
	}
	t.mu.Unlock()

	if applied {
		t.save(gen, snapshot)
	}
	return nil
}

// UpsertBatch applies a set of rules as one table mutation with a single
// persistence write, so bulk updaters such as feed syncs do not pay one
// disk write per rule. An invalid rule fails the whole batch before any
// mutation; per-rule stale updates are dropped as in Upsert.
func (t *Table) UpsertBatch(batch []model.Rule) error {
	compiledBatch := make([]*compiled, 0, len(batch))
	for _, rule := range batch {
		c, err := compile(rule)
		if err != nil {
			return err
		}
		if rule.UpdatedAt.IsZero() {
			c.rule.UpdatedAt = t.now()
		}
		compiledBatch = append(compiledBatch, c)
	}
	if len(compiledBatch) == 0 {
		return nil
	}

	t.mu.Lock()
	applied := false
	for _, c := range compiledBatch {
		if t.applyLocked(c) {
			applied = true
		}
	}
	var gen uint64
	var snapshot []model.Rule
	if applied {
		t.sortLocked()
		gen, snapshot = t.dirtyLocked()
	}
	t.mu.Unlock()

	if applied {
		t.save(gen, snapshot)
	}
	return nil
}

// applyLocked inserts or replaces the rule with c's id and reports whether
// the table changed. A stale update (older UpdatedAt than the incumbent)
// loses the race and is dropped.
func (t *Table) applyLocked(c *compiled) bool {
	for i, existing := range t.ordered {
		if existing.rule.ID != c.rule.ID {
			continue
		}
		if c.rule.UpdatedAt.Before(existing.rule.UpdatedAt) {
			return false
		}
		t.ordered[i] = c
		return true
	}
	t.ordered = append(t.ordered, c)
	return true
}

// Revoke removes the rule with the given id. Decisions already made against
// a prior match are unaffected. Returns whether a rule was removed.
func (t *Table) Revoke(id string) bool {
	t.mu.Lock()
	removed := false
	for i, c := range t.ordered {
		if c.rule.ID == id {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			removed = true
			break
		}
	}
	var gen uint64
	var snapshot []model.Rule
	if removed {
		gen, snapshot = t.dirtyLocked()
	}
	t.mu.Unlock()

	if removed {
		t.save(gen, snapshot)
	}
	return removed
}

// Match evaluates rules in priority order and returns a copy of the first
// whose predicate matches the record, or nil when the default policy
// applies. Expired rules are excluded purely by comparing against the
// current time; no sweep has to run for this to hold.
func (t *Table) Match(record *model.PacketRecord) *model.Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	for _, c := range t.ordered {
		if c.rule.Expired(now) {
			continue
		}
		if c.matches(record) {
			rule := c.rule
			return &rule
		}
	}
	return nil
}

// Snapshot returns the current rules in evaluation order, expired entries
// included so operators can inspect them before cleanup.
func (t *Table) Snapshot() []model.Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Rule, len(t.ordered))
	for i, c := range t.ordered {
		out[i] = c.rule
	}
	return out
}

// Cleanup physically removes expired rules and returns how many were
// dropped. Correctness never depends on this running; Match already skips
// expired rules.
func (t *Table) Cleanup() int {
	t.mu.Lock()
	now := t.now()
	kept := t.ordered[:0]
	dropped := 0
	for _, c := range t.ordered {
		if c.rule.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	t.ordered = kept
	var gen uint64
	var snapshot []model.Rule
	if dropped > 0 {
		gen, snapshot = t.dirtyLocked()
	}
	t.mu.Unlock()

	if dropped > 0 {
		t.save(gen, snapshot)
	}
	return dropped
}

func (t *Table) sortLocked() {
	sort.SliceStable(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i].rule, t.ordered[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// load reads the rules file, if configured and present.
func (t *Table) load() error {
	if t.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(t.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var persisted []model.Rule
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("failed to unmarshal rules file: %w", err)
	}
	for _, rule := range persisted {
		c, err := compile(rule)
		if err != nil {
			log.Printf("rules: skipping unloadable rule %q: %v", rule.ID, err)
			continue
		}
		t.ordered = append(t.ordered, c)
	}
	t.sortLocked()
	log.Printf("rules: loaded %d rules from %s", len(t.ordered), t.persistPath)
	return nil
}

// dirtyLocked bumps the table generation and snapshots the rules for the
// persistence write that follows outside the lock.
func (t *Table) dirtyLocked() (uint64, []model.Rule) {
	t.gen++
	if t.persistPath == "" {
		return t.gen, nil
	}
	rules := make([]model.Rule, len(t.ordered))
	for i, c := range t.ordered {
		rules[i] = c.rule
	}
	return t.gen, rules
}

// save writes a rule snapshot to the rules file. It runs outside the table
// lock so Match never waits on disk; the generation check keeps an older
// snapshot from overwriting a newer one. A failed save is logged, not
// fatal: the in-memory table stays authoritative.
func (t *Table) save(gen uint64, rules []model.Rule) {
	if t.persistPath == "" {
		return
	}
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if gen <= t.savedGen {
		return
	}
	t.savedGen = gen

	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		log.Printf("rules: failed to marshal rules for persistence: %v", err)
		return
	}
	if dir := filepath.Dir(t.persistPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("rules: failed to create rules directory: %v", err)
			return
		}
	}
	if err := os.WriteFile(t.persistPath, data, 0644); err != nil {
		log.Printf("rules: failed to persist rules: %v", err)
	}
}

// compile validates the rule and parses its address predicates.
func compile(rule model.Rule) (*compiled, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule has no id")
	}
	switch rule.Action {
	case model.ActionAllow, model.ActionBlock, model.ActionQuarantine:
	default:
		return nil, fmt.Errorf("rule %q has unknown action %q", rule.ID, rule.Action)
	}

	c := &compiled{rule: rule}
	var err error
	if c.srcNet, err = parseAddr(rule.SrcIP); err != nil {
		return nil, fmt.Errorf("rule %q src: %w", rule.ID, err)
	}
	if c.dstNet, err = parseAddr(rule.DstIP); err != nil {
		return nil, fmt.Errorf("rule %q dst: %w", rule.ID, err)
	}
	return c, nil
}

// parseAddr accepts an empty string (wildcard), an exact IP, or a CIDR.
func parseAddr(s string) (*net.IPNet, error) {
	if s == "" || s == "*" {
		return nil, nil
	}
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	} else {
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func (c *compiled) matches(record *model.PacketRecord) bool {
	if c.srcNet != nil && !c.srcNet.Contains(record.SrcIP) {
		return false
	}
	if c.dstNet != nil && !c.dstNet.Contains(record.DstIP) {
		return false
	}
	if c.rule.Protocol != nil && *c.rule.Protocol != record.Protocol {
		return false
	}
	if c.rule.DstPort != nil && *c.rule.DstPort != record.DstPort {
		return false
	}
	return true
}
