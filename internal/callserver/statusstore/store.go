// Package statusstore persists the latest status of every call leg.
package statusstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sebas/callserver/internal/callserver/callinfo"
	"github.com/sebas/callserver/internal/callserver/store"
)

// ErrNotFound is returned for unknown call sids.
var ErrNotFound = errors.New("call status not found")

// Record is the stored state of one call leg.
type Record struct {
	Snapshot callinfo.Snapshot `json:"snapshot"`
	// Origin identifies the instance that last updated the record.
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists call status records.
type Store interface {
	UpdateCallStatus(ctx context.Context, snap callinfo.Snapshot, originSignature string) error
	Get(ctx context.Context, callSid string) (Record, error)
	// List returns the most recently updated records first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close()
}

// Memory keeps records in process for a retention period.
type Memory struct {
	records   *store.TTLStore[string, Record]
	retention time.Duration
	now       func() time.Time
}

// NewMemory creates an in-memory store that forgets records retention after
// their last update.
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Memory{
		records:   store.NewTTLStore[string, Record](time.Minute),
		retention: retention,
		now:       time.Now,
	}
}

func (m *Memory) UpdateCallStatus(ctx context.Context, snap callinfo.Snapshot, originSignature string) error {
	m.records.Set(snap.CallSid, Record{
		Snapshot:  snap,
		Origin:    originSignature,
		UpdatedAt: m.now(),
	}, m.retention)
	return nil
}

func (m *Memory) Get(ctx context.Context, callSid string) (Record, error) {
	r, ok := m.records.Get(callSid)
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]Record, error) {
	all := m.records.All()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() { m.records.Close() }
