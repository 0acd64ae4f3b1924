// Package recorder keeps the append-only release history.
package recorder

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nais/promote/pkg/release"
)

type Order int

const (
	Ascending Order = iota
	Descending
)

type Filter struct {
	// Matches entries where the artifact started or stopped serving.
	ArtifactID  string
	Environment string
	// Empty matches every outcome.
	Outcomes []release.Outcome
	Order    Order
	// Zero means no limit.
	Limit int
}

func (f Filter) Match(record *release.Record) bool {
	if len(f.ArtifactID) > 0 && record.ArtifactID != f.ArtifactID && record.FromArtifact != f.ArtifactID {
		return false
	}
	if len(f.Environment) > 0 && record.Environment != f.Environment {
		return false
	}
	if len(f.Outcomes) > 0 && !slices.Contains(f.Outcomes, record.Outcome) {
		return false
	}
	return true
}

type Recorder interface {
	// Record appends the entry, assigning an id and timestamp when missing.
	Record(ctx context.Context, entry release.Record) (*release.Record, error)
	// Query yields matching entries ordered by timestamp. The sequence is read lazily
	// and stops at the first error.
	Query(ctx context.Context, filter Filter) iter.Seq2[release.Record, error]
}

// Prepare fills in the id and timestamp of a new entry.
func Prepare(entry *release.Record) {
	if len(entry.ID) == 0 {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
}

// Collect reads the whole sequence.
func Collect(seq iter.Seq2[release.Record, error]) ([]release.Record, error) {
	result := make([]release.Record, 0)
	for record, err := range seq {
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

// Latest returns the newest entry matching filter, or nil.
func Latest(ctx context.Context, r Recorder, filter Filter) (*release.Record, error) {
	filter.Order = Descending
	filter.Limit = 1
	for record, err := range r.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}
		return &record, nil
	}
	return nil, nil
}

type memory struct {
	lock    sync.RWMutex
	records []release.Record
}

var _ Recorder = &memory{}

func NewMemory() Recorder {
	return &memory{
		records: make([]release.Record, 0),
	}
}

func (m *memory) Record(_ context.Context, entry release.Record) (*release.Record, error) {
	Prepare(&entry)

	m.lock.Lock()
	defer m.lock.Unlock()

	n := len(m.records)
	if n == 0 || !entry.Timestamp.Before(m.records[n-1].Timestamp) {
		m.records = append(m.records, entry)
		return &entry, nil
	}

	// Readers hold the old slice, so an out of order entry gets a fresh backing array.
	i := sort.Search(n, func(i int) bool {
		return m.records[i].Timestamp.After(entry.Timestamp)
	})
	next := make([]release.Record, 0, n+1)
	next = append(next, m.records[:i]...)
	next = append(next, entry)
	next = append(next, m.records[i:]...)
	m.records = next

	return &entry, nil
}

func (m *memory) Query(ctx context.Context, filter Filter) iter.Seq2[release.Record, error] {
	return func(yield func(release.Record, error) bool) {
		m.lock.RLock()
		snapshot := m.records[:len(m.records):len(m.records)]
		m.lock.RUnlock()

		yielded := 0
		for i := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(release.Record{}, err)
				return
			}

			idx := i
			if filter.Order == Descending {
				idx = len(snapshot) - 1 - i
			}
			record := snapshot[idx]
			if !filter.Match(&record) {
				continue
			}
			if !yield(record, nil) {
				return
			}
			yielded++
			if filter.Limit > 0 && yielded >= filter.Limit {
				return
			}
		}
	}
}
