package store

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"netsentry/internal/model"
)

func testRecord(src string, length int) *model.PacketRecord {
	return &model.PacketRecord{
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		SrcIP:     net.ParseIP(src),
		DstIP:     net.ParseIP("8.8.8.8"),
		SrcPort:   12345,
		DstPort:   53,
		Protocol:  17,
		Length:    length,
	}
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "records.jsonl")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, path
}

func TestStore_AppendAndReplayRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	sources := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, src := range sources {
		seq, err := s.Append(testRecord(src, 100+i), model.Decision{Action: model.ActionAllow})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if seq != uint64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, seq)
		}
	}

	entries, err := s.Tail(context.Background(), 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}

	var got []model.StoredEntry
	for e := range entries {
		got = append(got, e)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Errorf("Entry %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.SrcIP.String() != sources[i] {
			t.Errorf("Entry %d: expected src %s, got %s", i, sources[i], e.SrcIP)
		}
		if e.Length != 100+i {
			t.Errorf("Entry %d: expected length %d, got %d", i, 100+i, e.Length)
		}
		if e.Action != model.ActionAllow {
			t.Errorf("Entry %d: expected allow, got %s", i, e.Action)
		}
	}
}

func TestStore_TailFromSequenceNeverRewinds(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionAllow}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := s.Tail(context.Background(), 3)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	count := 0
	for e := range entries {
		if e.Seq < 3 {
			t.Errorf("Tail(3) emitted seq %d", e.Seq)
		}
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 entries from seq 3, got %d", count)
	}
}

func TestStore_RecoversFromTornTrailingEntry(t *testing.T) {
	s, path := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionBlock, RuleID: "r1"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-append: a trailing line without a newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to reopen file: %v", err)
	}
	if _, err := f.WriteString(`{"seq":4,"src_ip":"10.0`); err != nil {
		t.Fatalf("Failed to write torn entry: %v", err)
	}
	f.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open after crash failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Discarded() != 1 {
		t.Errorf("Expected 1 discarded entry, got %d", reopened.Discarded())
	}

	entries, err := reopened.Tail(context.Background(), 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	var seqs []uint64
	for e := range entries {
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 {
		t.Fatalf("Expected 3 well-formed entries after recovery, got %d", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("Gap in recovered sequences: got %v", seqs)
			break
		}
	}

	// The next append must reuse the discarded slot so sequences stay
	// gap-free.
	seq, err := reopened.Append(testRecord("10.0.0.9", 64), model.Decision{Action: model.ActionAllow})
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("Expected seq 4 after recovery, got %d", seq)
	}
}

func TestStore_FailedWriteLeftoversDoNotCorruptLaterAppends(t *testing.T) {
	s, path := openTestStore(t)

	if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionAllow}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Leave partial bytes past the durable end, as an interrupted write
	// would. The next append must not merge with them.
	if _, err := s.f.WriteAt([]byte(`{"seq":99,"src`), s.endOff); err != nil {
		t.Fatalf("Failed to plant partial write: %v", err)
	}

	seq, err := s.Append(testRecord("10.0.0.2", 64), model.Decision{Action: model.ActionBlock, RuleID: "r1"})
	if err != nil {
		t.Fatalf("Append after partial write failed: %v", err)
	}
	if seq != 2 {
		t.Fatalf("Expected seq 2, got %d", seq)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Tail(context.Background(), 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	var seqs []uint64
	for e := range entries {
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("Expected seqs [1 2] after reopen, got %v", seqs)
	}
	if got := reopened.NextSeq(); got != 3 {
		t.Errorf("Expected next seq 3 after reopen, got %d", got)
	}
}

func TestStore_DisablesAppendsWhenRollbackFails(t *testing.T) {
	s, path := openTestStore(t)
	defer s.Close()

	if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionAllow}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A read-only handle makes both the write and the rollback truncate
	// fail, which must latch the store shut.
	ro, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open read-only handle: %v", err)
	}
	s.f.Close()
	s.f = ro

	if _, err := s.Append(testRecord("10.0.0.2", 64), model.Decision{Action: model.ActionAllow}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.Append(testRecord("10.0.0.3", 64), model.Decision{Action: model.ActionAllow}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Expected appends to stay disabled, got %v", err)
	}
	if got := s.NextSeq(); got != 2 {
		t.Errorf("Expected next seq to stay at 2, got %d", got)
	}
}

func TestStore_FollowDeliversNewAppendsAndStopsOnCancel(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionAllow}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries, err := s.Follow(ctx, 1)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	// First entry was persisted before the follow started.
	select {
	case e := <-entries:
		if e.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", e.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for replayed entry")
	}

	// Second entry arrives while the follower is blocked at end-of-log.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Append(testRecord("10.0.0.2", 64), model.Decision{Action: model.ActionAllow}); err != nil {
			t.Errorf("Append failed: %v", err)
		}
	}()

	select {
	case e := <-entries:
		if e.Seq != 2 {
			t.Errorf("Expected seq 2, got %d", e.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for followed entry")
	}
	<-done

	cancel()
	select {
	case _, ok := <-entries:
		if ok {
			t.Error("Expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for channel close after cancel")
	}
}

func TestStore_AppendSurvivesReopen(t *testing.T) {
	s, path := openTestStore(t)
	if _, err := s.Append(testRecord("10.0.0.1", 64), model.Decision{Action: model.ActionAllow}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := reopened.NextSeq(); got != 2 {
		t.Errorf("Expected next seq 2 after reopen, got %d", got)
	}
}
