// Package calllog persists one record per finished call. The store is the
// pipeline's call logger; summaries arrive exactly once when a session is
// destroyed.
package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	pipeline "github.com/zylin-ai/call-core/core"
	"github.com/zylin-ai/call-core/core/understanding"
)

// ErrNotFound is returned when no record exists for the given session.
var ErrNotFound = errors.New("calllog: not found")

// Record is the stored form of one finished call.
type Record struct {
	SessionID      string                   `json:"session_id"`
	Caller         string                   `json:"caller"`
	StartedAt      time.Time                `json:"started_at"`
	EndedAt        time.Time                `json:"ended_at"`
	Intent         understanding.Intent     `json:"intent"`
	Transcript     []understanding.Exchange `json:"transcript"`
	Fields         understanding.Fields     `json:"fields"`
	BookingRef     string                   `json:"booking_ref,omitempty"`
	Escalated      bool                     `json:"escalated"`
	Turns          int                      `json:"turns"`
	AvgTurnLatency time.Duration            `json:"avg_turn_latency"`
}

// DailyReport aggregates one day of calls.
type DailyReport struct {
	Date           string
	Calls          int
	Bookings       int
	Escalations    int
	ByIntent       map[understanding.Intent]int
	AvgTurnLatency time.Duration
}

// Options configures the store.
type Options struct {
	// Dir is the directory for the data files. Required unless InMemory.
	Dir string
	// InMemory runs the store without disk persistence, for tests.
	InMemory bool
}

// Store is a Badger-backed call log.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the call log store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("calllog: Options.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("calllog: failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

// recordKey orders records chronologically per day so the daily aggregate is
// a single prefix scan.
func recordKey(startedAt time.Time, sessionID string) []byte {
	return []byte(fmt.Sprintf("call:%s:%s:%s",
		startedAt.UTC().Format("2006-01-02"),
		startedAt.UTC().Format("15:04:05.000"),
		sessionID,
	))
}

func sessionKey(sessionID string) []byte {
	return []byte("session:" + sessionID)
}

// LogCall stores the summary of one finished call. It satisfies the
// pipeline's call logger contract.
func (s *Store) LogCall(_ context.Context, summary pipeline.CallSummary) error {
	record := Record{
		SessionID:      summary.SessionID,
		Caller:         summary.Caller,
		StartedAt:      summary.StartedAt,
		EndedAt:        summary.EndedAt,
		Intent:         summary.Intent,
		Transcript:     summary.Transcript,
		Fields:         summary.Fields,
		BookingRef:     summary.BookingRef,
		Escalated:      summary.Escalated,
		Turns:          summary.Turns,
		AvgTurnLatency: summary.AvgTurnLatency,
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("calllog: failed to encode record: %w", err)
	}

	key := recordKey(record.StartedAt, record.SessionID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		// Secondary index for direct session lookup.
		return txn.Set(sessionKey(record.SessionID), key)
	})
	if err != nil {
		return fmt.Errorf("calllog: failed to store record: %w", err)
	}
	return nil
}

// Get returns the record for the given session.
func (s *Store) Get(_ context.Context, sessionID string) (*Record, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("calllog: failed to read record: %w", err)
	}

	record := &Record{}
	if err := json.Unmarshal(value, record); err != nil {
		return nil, fmt.Errorf("calllog: failed to decode record: %w", err)
	}
	return record, nil
}

// ListDay returns every call that started on the given day (UTC), in order.
func (s *Store) ListDay(_ context.Context, day time.Time) ([]Record, error) {
	records := []Record{}
	prefix := []byte("call:" + day.UTC().Format("2006-01-02") + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			record := Record{}
			if err := json.Unmarshal(value, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: failed to list records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// Report aggregates the given day's calls into a daily report.
func (s *Store) Report(ctx context.Context, day time.Time) (*DailyReport, error) {
	records, err := s.ListDay(ctx, day)
	if err != nil {
		return nil, err
	}

	report := &DailyReport{
		Date:     day.UTC().Format("2006-01-02"),
		Calls:    len(records),
		ByIntent: map[understanding.Intent]int{},
	}

	var latencyTotal time.Duration
	latencySamples := 0
	for _, record := range records {
		if record.BookingRef != "" {
			report.Bookings++
		}
		if record.Escalated {
			report.Escalations++
		}
		if record.Intent != "" {
			report.ByIntent[record.Intent]++
		}
		if record.AvgTurnLatency > 0 {
			latencyTotal += record.AvgTurnLatency
			latencySamples++
		}
	}
	if latencySamples > 0 {
		report.AvgTurnLatency = latencyTotal / time.Duration(latencySamples)
	}
	return report, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
