// Package storage defines the session store capability consumed by the
// telemetry server.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openattribution/telemetry-go/internal/schema"
)

// SessionRecord is a durable session row. The server owns records after
// transmission; IDs are server-generated.
type SessionRecord struct {
	ID                uuid.UUID            `json:"id"`
	InitiatorType     schema.InitiatorType `json:"initiator_type,omitempty"`
	Initiator         map[string]any       `json:"initiator,omitempty"`
	ContentScope      string               `json:"content_scope,omitempty"`
	ManifestRef       string               `json:"manifest_ref,omitempty"`
	AgentID           string               `json:"agent_id,omitempty"`
	ExternalSessionID string               `json:"external_session_id,omitempty"`
	PriorSessionIDs   []uuid.UUID          `json:"prior_session_ids,omitempty"`
	UserContext       map[string]any       `json:"user_context,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
	OutcomeType       string               `json:"outcome_type,omitempty"`
	OutcomeValue      map[string]any       `json:"outcome_value,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// EventRecord is a durable event row.
type EventRecord struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      uuid.UUID      `json:"session_id"`
	EventType      string         `json:"event_type"`
	ContentID      *uuid.UUID     `json:"content_id,omitempty"`
	ContentURL     string         `json:"content_url,omitempty"`
	ProductID      *uuid.UUID     `json:"product_id,omitempty"`
	TurnData       map[string]any `json:"turn_data,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	EventTimestamp time.Time      `json:"event_timestamp"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SessionWithEvents is a session plus its events in timestamp order.
type SessionWithEvents struct {
	SessionRecord
	Events []EventRecord `json:"events"`
}

// SessionSummary is the lightweight row returned by list queries.
type SessionSummary struct {
	ID                uuid.UUID  `json:"id"`
	ContentScope      string     `json:"content_scope,omitempty"`
	ExternalSessionID string     `json:"external_session_id,omitempty"`
	OutcomeType       string     `json:"outcome_type,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// ListOptions filter session list queries. Since/Until apply to ended_at.
type ListOptions struct {
	OutcomeType  string
	ContentScope string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// ImportResult reports what a bulk session import created.
type ImportResult struct {
	SessionID       uuid.UUID
	EventsCreated   int
	OutcomeRecorded bool
}

// SessionStore persists telemetry sessions and events.
//
// Implementations return *domain.APIError values for the contract
// failures the wire layer must distinguish: not-found on unknown
// sessions, state-conflict on writes to an ended session.
type SessionStore interface {
	// CreateSession persists a new session and fills its server-generated
	// ID and timestamps.
	CreateSession(ctx context.Context, record *SessionRecord) error

	// GetSession returns a session by ID.
	GetSession(ctx context.Context, id uuid.UUID) (*SessionRecord, error)

	// GetSessionWithEvents returns a session and its events ordered by
	// event timestamp.
	GetSessionWithEvents(ctx context.Context, id uuid.UUID) (*SessionWithEvents, error)

	// GetSessionByExternalID returns the most recently started session
	// with the given external session ID.
	GetSessionByExternalID(ctx context.Context, externalID string) (*SessionRecord, error)

	// EndSession sets ended_at and the outcome. ended_at is set at most
	// once; ending an already ended session is a state conflict.
	EndSession(ctx context.Context, id uuid.UUID, outcome schema.SessionOutcome) (*SessionRecord, error)

	// CreateEvents appends events to an open session and returns the
	// number created. Appending to an ended session is a state conflict.
	CreateEvents(ctx context.Context, sessionID uuid.UUID, events []schema.Event) (int, error)

	// ListSessions returns lightweight summaries matching the filters,
	// most recently started first.
	ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error)

	// ImportSession persists a complete session graph under a fresh
	// server-generated ID, recording the caller's session ID as
	// external_session_id.
	ImportSession(ctx context.Context, session *schema.Session) (*ImportResult, error)

	Close() error
}
