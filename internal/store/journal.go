package store

// ============================================================================
// File-backed Store - journal + periodic snapshot compaction
// ============================================================================
//
// Write path: every AddJob/SetResult/DeleteJobAndResult call appends one
// JSON record to an append-only journal file and fsyncs before returning.
// Only once the append succeeds does the in-memory shadow copy get updated.
// That copy is what AddJob and SetResult check against, what IterateAll
// returns, and what Compact folds into a snapshot.
//
// Recovery path: Open loads the latest snapshot, if any, then replays the
// journal written after it, applying tombstones. Both steps are
// idempotent, so replaying the same record twice is harmless.
//
// Compaction: Compact folds the current shadow state into a new snapshot
// file (temp file + rename, so a crash mid-write never corrupts the
// previous snapshot) and truncates the journal. StartCompactor runs this
// on a ticker in the background.
// ============================================================================

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/provingbroker/broker/pkg/types"
)

const journalSchemaVersion = 1

type opType string

const (
	opAdd    opType = "ADD"
	opResult opType = "RESULT"
	opDelete opType = "DELETE"
)

type journalEntry struct {
	Seq     uint64         `json:"seq"`
	Op      opType         `json:"op"`
	JobID   types.JobID    `json:"job_id"`
	Job     *types.Job     `json:"job,omitempty"`
	Outcome *types.Outcome `json:"outcome,omitempty"`
}

type snapshotFile struct {
	SchemaVer int                    `json:"schema_ver"`
	LastSeq   uint64                 `json:"last_seq"`
	Records   map[types.JobID]Record `json:"records"`
}

// JournalStore is a file-backed Store: an append-only journal, periodically
// compacted into a snapshot.
type JournalStore struct {
	mu           sync.Mutex
	dir          string
	journalPath  string
	snapshotPath string

	file *os.File
	enc  *json.Encoder
	seq  uint64

	records map[types.JobID]*Record

	log *slog.Logger
}

// Open opens (or creates) a JournalStore rooted at dir, replaying any
// existing snapshot and journal tail.
func Open(dir string) (*JournalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &JournalStore{
		dir:          dir,
		journalPath:  filepath.Join(dir, "journal.log"),
		snapshotPath: filepath.Join(dir, "snapshot.json"),
		records:      make(map[types.JobID]*Record),
		log:          slog.Default(),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open journal: %w", err)
	}
	s.file = f
	s.enc = json.NewEncoder(f)

	return s, nil
}

func (s *JournalStore) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: corrupt snapshot: %w", err)
	}
	if snap.SchemaVer != journalSchemaVersion {
		return fmt.Errorf("store: incompatible snapshot schema version %d", snap.SchemaVer)
	}
	s.seq = snap.LastSeq
	for id, rec := range snap.Records {
		r := rec
		s.records[id] = &r
	}
	return nil
}

func (s *JournalStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			s.log.Warn("store: skipping corrupt journal record", "error", err)
			continue
		}
		s.applyEntry(entry)
		if entry.Seq > s.seq {
			s.seq = entry.Seq
		}
	}
	return scanner.Err()
}

func (s *JournalStore) applyEntry(entry journalEntry) {
	switch entry.Op {
	case opAdd:
		if entry.Job == nil {
			return
		}
		if _, exists := s.records[entry.JobID]; !exists {
			s.records[entry.JobID] = &Record{Job: *entry.Job}
		}
	case opResult:
		if entry.Outcome == nil {
			return
		}
		rec, ok := s.records[entry.JobID]
		if !ok {
			return
		}
		rec.HasResult = true
		rec.Outcome = *entry.Outcome
	case opDelete:
		delete(s.records, entry.JobID)
	}
}

func (s *JournalStore) append(entry journalEntry) error {
	s.seq++
	entry.Seq = s.seq
	if err := s.enc.Encode(entry); err != nil {
		return fmt.Errorf("store: append journal entry: %w", err)
	}
	return s.file.Sync()
}

// AddJob implements Store.
func (s *JournalStore) AddJob(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[job.ID]; ok {
		if existing.Job.Equal(job) {
			return nil
		}
		return ErrDuplicateIdConflict
	}

	if err := s.append(journalEntry{Op: opAdd, JobID: job.ID, Job: &job}); err != nil {
		return err
	}
	s.records[job.ID] = &Record{Job: job}
	return nil
}

// SetResult implements Store.
func (s *JournalStore) SetResult(_ context.Context, id types.JobID, outcome types.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrUnknownJob
	}
	if rec.HasResult {
		return nil
	}

	if err := s.append(journalEntry{Op: opResult, JobID: id, Outcome: &outcome}); err != nil {
		return err
	}
	rec.HasResult = true
	rec.Outcome = outcome
	return nil
}

// DeleteJobAndResult implements Store.
func (s *JournalStore) DeleteJobAndResult(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	if err := s.append(journalEntry{Op: opDelete, JobID: id}); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

// IterateAll implements Store.
func (s *JournalStore) IterateAll(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

// Compact folds the current state into a fresh snapshot and truncates the
// journal, so the next Open replays a short tail instead of full history.
func (s *JournalStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshotFile{
		SchemaVer: journalSchemaVersion,
		LastSeq:   s.seq,
		Records:   make(map[types.JobID]Record, len(s.records)),
	}
	for id, rec := range s.records {
		snap.Records[id] = *rec
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: close journal before truncate: %w", err)
	}
	f, err := os.OpenFile(s.journalPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: recreate journal: %w", err)
	}
	s.file = f
	s.enc = json.NewEncoder(f)

	return nil
}

// StartCompactor runs Compact on a ticker until ctx is cancelled. Errors are
// logged, not returned, since a failed compaction leaves the journal intact
// and recovery still works from it.
func (s *JournalStore) StartCompactor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Compact(); err != nil {
					s.log.Warn("store: compaction failed", "error", err)
				}
			}
		}
	}()
}

// Close implements Store.
func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
