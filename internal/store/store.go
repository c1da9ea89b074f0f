// Package store implements the append-only durable log of packet records.
// Every record is one self-describing JSON line carrying its own sequence
// number, so a torn trailing write is detected and discarded on the next
// open without touching prior entries.
package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"netsentry/internal/model"
)

// ErrStorageUnavailable signals that the underlying medium rejected a write.
// The affected append is lost; pipeline-level policy decides drop vs.
// backpressure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrMalformedEntry marks a line that could not be decoded during replay.
// Recovery is to discard that single entry; it is never fatal.
var ErrMalformedEntry = errors.New("malformed entry")

// Store is an append-only log of decision-tagged packet records, addressed
// by monotonic sequence number. Appends are serialized internally; any
// number of readers may tail concurrently against persisted data.
type Store struct {
	path string

	mu        sync.Mutex
	f         *os.File
	endOff    int64
	nextSeq   uint64
	discarded int
	failed    bool
	updates   chan struct{}
}

// Open opens (or creates) the log at path, recovers the last sequence
// number, and truncates a torn trailing entry left by a crash mid-write.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}

	validEnd, lastSeq, discarded, err := scanLog(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate torn entry: %w", err)
	}
	if discarded > 0 {
		log.Printf("store: discarded %d torn trailing entry(ies) in %s, resuming at seq %d", discarded, path, lastSeq+1)
	}

	return &Store{
		path:      path,
		f:         f,
		endOff:    validEnd,
		nextSeq:   lastSeq + 1,
		discarded: discarded,
		updates:   make(chan struct{}),
	}, nil
}

// scanLog walks the log from the start and returns the byte offset of the
// last well-formed line, the highest sequence number seen, and how many
// trailing entries had to be discarded.
func scanLog(f *os.File) (validEnd int64, lastSeq uint64, discarded int, err error) {
	reader := bufio.NewReader(f)
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr == io.EOF {
			if len(line) > 0 {
				// No trailing newline: the writer died mid-append.
				discarded++
			}
			return validEnd, lastSeq, discarded, nil
		}
		if rerr != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan store file: %w", rerr)
		}

		var entry model.StoredEntry
		if uerr := json.Unmarshal(line, &entry); uerr != nil {
			// Everything from here on is untrusted; cut the log at the
			// last good entry so sequence numbers stay gap-free.
			discarded++
			return validEnd, lastSeq, discarded, nil
		}
		lastSeq = entry.Seq
		validEnd += int64(len(line))
	}
}

// Append durably persists the record with its decision and returns the
// assigned sequence number. Only one append is in flight at a time; the
// entry is synced to disk before the call returns. Entries are written at
// the end of the last durable line, so bytes left behind by a failed write
// can never merge with a later append.
func (s *Store) Append(record *model.PacketRecord, decision model.Decision) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return 0, fmt.Errorf("%w: log rollback failed, appends disabled", ErrStorageUnavailable)
	}

	entry := model.StoredEntry{
		Seq:          s.nextSeq,
		PacketRecord: *record,
		Action:       decision.Action,
		RuleID:       decision.RuleID,
		Degraded:     decision.Degraded,
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("%w: encode entry: %v", ErrStorageUnavailable, err)
	}
	line = append(line, '\n')

	if _, err := s.f.WriteAt(line, s.endOff); err != nil {
		s.rollbackLocked()
		return 0, fmt.Errorf("%w: write entry: %v", ErrStorageUnavailable, err)
	}
	if err := s.f.Sync(); err != nil {
		s.rollbackLocked()
		return 0, fmt.Errorf("%w: sync entry: %v", ErrStorageUnavailable, err)
	}

	s.endOff += int64(len(line))
	s.nextSeq++

	// Wake any followers blocked at end-of-log.
	close(s.updates)
	s.updates = make(chan struct{})

	return entry.Seq, nil
}

// rollbackLocked removes whatever a failed append left beyond the last
// durable entry. If the file cannot be restored to that boundary the store
// stops accepting appends entirely rather than risk already-acknowledged
// entries on the next replay.
func (s *Store) rollbackLocked() {
	if err := s.f.Truncate(s.endOff); err != nil {
		s.failed = true
		log.Printf("store: rollback of partial append failed, disabling appends: %v", err)
	}
}

// NextSeq returns the sequence number the next append will receive.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Discarded returns how many torn entries were dropped during recovery.
func (s *Store) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Close closes the underlying log file. Outstanding tails drain on their
// own; their read handles are independent of the writer's.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Tail replays all persisted entries with sequence >= from, in order, and
// closes the channel at end-of-log. Pass 0 (or 1) to replay everything.
func (s *Store) Tail(ctx context.Context, from uint64) (<-chan model.StoredEntry, error) {
	return s.read(ctx, from, false)
}

// Follow is Tail in follow mode: after replaying what is persisted it keeps
// producing entries as new appends arrive, until ctx is cancelled. The
// caller owns the resume position; stopping and resuming from the last
// delivered sequence number is always safe.
func (s *Store) Follow(ctx context.Context, from uint64) (<-chan model.StoredEntry, error) {
	return s.read(ctx, from, true)
}

func (s *Store) read(ctx context.Context, from uint64, follow bool) (<-chan model.StoredEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store for reading: %w", err)
	}

	out := make(chan model.StoredEntry)
	go func() {
		defer close(out)
		defer f.Close()
		s.readLoop(ctx, f, from, follow, out)
	}()
	return out, nil
}

// readLoop scans the log line by line, holding back a partial trailing line
// until its remainder is written. Readers never touch the writer's file
// handle or buffers; position is purely the reader's own.
func (s *Store) readLoop(ctx context.Context, f *os.File, from uint64, follow bool, out chan<- model.StoredEntry) {
	reader := bufio.NewReader(f)
	var pending []byte

	for {
		// Snapshot the update channel before reading so an append racing
		// with the EOF check still wakes us.
		s.mu.Lock()
		updates := s.updates
		s.mu.Unlock()

		chunk, err := reader.ReadBytes('\n')
		if err == io.EOF {
			pending = append(pending, chunk...)
			if !follow {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-updates:
				continue
			}
		}
		if err != nil {
			log.Printf("store: tail read failed: %v", err)
			return
		}

		line := chunk
		if len(pending) > 0 {
			line = append(pending, chunk...)
			pending = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if len(line) == 0 {
			continue
		}

		var entry model.StoredEntry
		if uerr := json.Unmarshal(line, &entry); uerr != nil {
			log.Printf("store: %v during tail, skipping one line: %v", ErrMalformedEntry, uerr)
			continue
		}
		if entry.Seq < from {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case out <- entry:
		}
	}
}
