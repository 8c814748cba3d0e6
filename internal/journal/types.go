package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/mailsync/internal/maildb"
)

// Status is the delivery state of a journal entry.
type Status string

const (
	// StatusPending entries have not been committed to the index.
	StatusPending Status = "pending"

	// StatusDelivered entries were committed or dropped.
	StatusDelivered Status = "delivered"
)

// Entry is one journaled mutation.
type Entry struct {
	Seq         int64
	ID          uuid.UUID
	Kind        maildb.Kind
	Payload     Payload
	CreatedAt   time.Time
	DeliveredAt fn.Option[time.Time]
	Status      Status
}

// Payload holds the mutation fields that depend on its kind. Callbacks are
// not persisted.
type Payload struct {
	Query string   `json:"query,omitempty"`
	Path  string   `json:"path,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Name  string   `json:"name,omitempty"`
}

// PayloadOf extracts the payload of m.
func PayloadOf(m *maildb.Mutation) Payload {
	return Payload{
		Query: m.Query,
		Path:  m.Path,
		Tags:  m.Tags,
		Name:  m.Name,
	}
}

func (p Payload) marshal() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	return string(raw), nil
}

func unmarshalPayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}

	return p, nil
}

// Mutation rebuilds the queued mutation of the entry.
func (e Entry) Mutation() *maildb.Mutation {
	return &maildb.Mutation{
		ID:         e.ID,
		Kind:       e.Kind,
		Query:      e.Payload.Query,
		Path:       e.Payload.Path,
		Tags:       e.Payload.Tags,
		Name:       e.Payload.Name,
		EnqueuedAt: e.CreatedAt,
	}
}

// Stats holds aggregate counts of the journal.
type Stats struct {
	Pending       int64
	Delivered     int64
	OldestPending fn.Option[time.Time]
}
