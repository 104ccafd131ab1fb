// Package bookings persists appointments collected over calls. The store is
// the pipeline's booking collaborator; a booking is created the moment the
// orchestrator confirms one to the caller.
package bookings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/zylin-ai/call-core/core/understanding"
)

// ErrNotFound is returned when no booking exists for the given reference.
var ErrNotFound = errors.New("bookings: not found")

// Status of a stored booking.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Booking is one confirmed appointment.
type Booking struct {
	Ref       string    `json:"ref"`
	SessionID string    `json:"session_id"`
	Caller    string    `json:"caller"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Notes     string    `json:"notes,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures the store.
type Options struct {
	// Dir is the directory for the data files. Required unless InMemory.
	Dir string
	// InMemory runs the store without disk persistence, for tests.
	InMemory bool
}

// Store is a Badger-backed booking store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the booking store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("bookings: Options.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("bookings: failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

func bookingKey(ref string) []byte {
	return []byte("booking:" + ref)
}

// CreateBooking stores a confirmed appointment and returns its reference.
// It satisfies the pipeline's booking collaborator contract.
func (s *Store) CreateBooking(_ context.Context, sessionID string, caller string, fields understanding.Fields) (string, error) {
	if fields.Name == "" || fields.Phone == "" || fields.Date == "" || fields.Time == "" {
		return "", fmt.Errorf("bookings: incomplete fields: name=%q phone=%q date=%q time=%q",
			fields.Name, fields.Phone, fields.Date, fields.Time)
	}

	booking := Booking{
		Ref:       uuid.NewString()[:8],
		SessionID: sessionID,
		Caller:    caller,
		Name:      fields.Name,
		Phone:     fields.Phone,
		Date:      fields.Date,
		Time:      fields.Time,
		Notes:     fields.Notes,
		Status:    StatusConfirmed,
		CreatedAt: time.Now(),
	}

	value, err := json.Marshal(booking)
	if err != nil {
		return "", fmt.Errorf("bookings: failed to encode booking: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bookingKey(booking.Ref), value)
	})
	if err != nil {
		return "", fmt.Errorf("bookings: failed to store booking: %w", err)
	}
	return booking.Ref, nil
}

// Get returns the booking for the given reference.
func (s *Store) Get(_ context.Context, ref string) (*Booking, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bookingKey(ref))
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
		return nil, fmt.Errorf("bookings: failed to read booking: %w", err)
	}

	booking := &Booking{}
	if err := json.Unmarshal(value, booking); err != nil {
		return nil, fmt.Errorf("bookings: failed to decode booking: %w", err)
	}
	return booking, nil
}

// List returns every stored booking, newest first.
func (s *Store) List(_ context.Context) ([]Booking, error) {
	bookings := []Booking{}
	prefix := []byte("booking:")

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
			booking := Booking{}
			if err := json.Unmarshal(value, &booking); err != nil {
				return err
			}
			bookings = append(bookings, booking)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bookings: failed to list bookings: %w", err)
	}

	sort.Slice(bookings, func(i, j int) bool {
		return bookings[i].CreatedAt.After(bookings[j].CreatedAt)
	})
	return bookings, nil
}

// Cancel marks the booking cancelled. Cancelling an unknown reference returns
// ErrNotFound; cancelling twice is a no-op.
func (s *Store) Cancel(ctx context.Context, ref string) error {
	booking, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if booking.Status == StatusCancelled {
		return nil
	}

	booking.Status = StatusCancelled
	value, err := json.Marshal(booking)
	if err != nil {
		return fmt.Errorf("bookings: failed to encode booking: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bookingKey(ref), value)
	})
	if err != nil {
		return fmt.Errorf("bookings: failed to update booking: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
