// Package sqlite is the SQLite implementation of storage.SessionStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openattribution/telemetry-go/internal/domain"
	"github.com/openattribution/telemetry-go/internal/schema"
	"github.com/openattribution/telemetry-go/internal/storage"
)

// Store is a SQLite implementation of SessionStore.
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a new SQLite store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			initiator_type TEXT NOT NULL,
			initiator TEXT,
			content_scope TEXT,
			manifest_ref TEXT,
			agent_id TEXT,
			external_session_id TEXT,
			prior_session_ids TEXT,
			user_context TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			outcome_type TEXT,
			outcome_value TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			content_id TEXT,
			content_url TEXT,
			product_id TEXT,
			turn_data TEXT,
			event_data TEXT,
			event_timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_external ON sessions(external_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(content_scope)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome_type)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateSession(ctx context.Context, record *storage.SessionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	record.CreatedAt = time.Now().UTC()
	record.UpdatedAt = record.CreatedAt

	initiator, err := marshalMap(record.Initiator)
	if err != nil {
		return fmt.Errorf("failed to marshal initiator: %w", err)
	}
	userContext, err := marshalMap(record.UserContext)
	if err != nil {
		return fmt.Errorf("failed to marshal user_context: %w", err)
	}
	priorIDs, err := marshalUUIDs(record.PriorSessionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal prior_session_ids: %w", err)
	}

	query := `INSERT INTO sessions (
		id, initiator_type, initiator, content_scope, manifest_ref,
		agent_id, external_session_id, prior_session_ids, user_context,
		started_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		record.ID.String(), string(record.InitiatorType), initiator,
		nullString(record.ContentScope), nullString(record.ManifestRef),
		nullString(record.AgentID), nullString(record.ExternalSessionID),
		priorIDs, userContext,
		record.StartedAt, record.CreatedAt, record.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

const sessionColumns = `id, initiator_type, initiator, content_scope, manifest_ref,
	agent_id, external_session_id, prior_session_ids, user_context,
	started_at, ended_at, outcome_type, outcome_value, created_at, updated_at`

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*storage.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
	record, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return record, nil
}

func (s *Store) GetSessionWithEvents(ctx context.Context, id uuid.UUID) (*storage.SessionWithEvents, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.getEventsForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.SessionWithEvents{
		SessionRecord: *session,
		Events:        events,
	}, nil
}

func (s *Store) GetSessionByExternalID(ctx context.Context, externalID string) (*storage.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE external_session_id = ?
		 ORDER BY started_at DESC LIMIT 1`, externalID)
	record, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("session with external id %s not found", externalID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by external id: %w", err)
	}
	return record, nil
}

func (s *Store) EndSession(ctx context.Context, id uuid.UUID, outcome schema.SessionOutcome) (*storage.SessionRecord, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.EndedAt != nil {
		return nil, domain.ErrStateConflict(fmt.Sprintf("session %s already ended", id))
	}

	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}

	now := time.Now().UTC()
	query := `UPDATE sessions
	          SET ended_at = ?, outcome_type = ?, outcome_value = ?, updated_at = ?
	          WHERE id = ? AND ended_at IS NULL`

	result, err := s.db.ExecContext(ctx, query,
		now, string(outcome.Type), string(outcomeJSON), now, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost a race with a concurrent end.
		return nil, domain.ErrStateConflict(fmt.Sprintf("session %s already ended", id))
	}

	return s.GetSession(ctx, id)
}

func (s *Store) CreateEvents(ctx context.Context, sessionID uuid.UUID, events []schema.Event) (int, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if session.EndedAt != nil {
		return 0, domain.ErrStateConflict("cannot add events to an ended session")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertEvents(ctx, tx, sessionID, events)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID.String()); err != nil {
		return 0, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, sessionID uuid.UUID, events []schema.Event) (int, error) {
	query := `INSERT INTO events (
		id, session_id, event_type, content_id, content_url, product_id,
		turn_data, event_data, event_timestamp, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	created := 0
	for i := range events {
		event := &events[i]

		var turnData sql.NullString
		if event.Turn != nil {
			data, err := json.Marshal(event.Turn)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal turn: %w", err)
			}
			turnData = sql.NullString{String: string(data), Valid: true}
		}
		eventData, err := marshalMap(event.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event data: %w", err)
		}

		_, err = tx.ExecContext(ctx, query,
			event.ID.String(), sessionID.String(), string(event.Type),
			nullUUID(event.ContentID), nullString(event.ContentURL),
			nullUUID(event.ProductID), turnData, eventData,
			event.Timestamp.UTC(), time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		created++
	}
	return created, nil
}

func (s *Store) getEventsForSession(ctx context.Context, sessionID uuid.UUID) ([]storage.EventRecord, error) {
	query := `SELECT id, session_id, event_type, content_id, content_url, product_id,
	                 turn_data, event_data, event_timestamp, created_at
	          FROM events WHERE session_id = ?
	          ORDER BY event_timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []storage.EventRecord
	for rows.Next() {
		var (
			record                         storage.EventRecord
			idStr, sessionIDStr            string
			contentID, contentURL          sql.NullString
			productID, turnData, eventData sql.NullString
		)
		if err := rows.Scan(&idStr, &sessionIDStr, &record.EventType,
			&contentID, &contentURL, &productID, &turnData, &eventData,
			&record.EventTimestamp, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		record.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid event id: %w", err)
		}
		record.SessionID, err = uuid.Parse(sessionIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid session id: %w", err)
		}
		if contentID.Valid {
			parsed, err := uuid.Parse(contentID.String)
			if err != nil {
				return nil, fmt.Errorf("invalid content id: %w", err)
			}
			record.ContentID = &parsed
		}
		if contentURL.Valid {
			record.ContentURL = contentURL.String
		}
		if productID.Valid {
			parsed, err := uuid.Parse(productID.String)
			if err != nil {
				return nil, fmt.Errorf("invalid product id: %w", err)
			}
			record.ProductID = &parsed
		}
		if turnData.Valid && turnData.String != "" {
			if err := json.Unmarshal([]byte(turnData.String), &record.TurnData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal turn data: %w", err)
			}
		}
		if eventData.Valid && eventData.String != "" {
			if err := json.Unmarshal([]byte(eventData.String), &record.EventData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}

		events = append(events, record)
	}

	return events, rows.Err()
}

func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) ([]storage.SessionSummary, error) {
	conditions := []string{}
	params := []any{}

	if opts.OutcomeType != "" {
		conditions = append(conditions, "outcome_type = ?")
		params = append(params, opts.OutcomeType)
	}
	if opts.ContentScope != "" {
		conditions = append(conditions, "content_scope = ?")
		params = append(params, opts.ContentScope)
	}
	if opts.Since != nil {
		conditions = append(conditions, "ended_at >= ?")
		params = append(params, opts.Since.UTC())
	}
	if opts.Until != nil {
		conditions = append(conditions, "ended_at <= ?")
		params = append(params, opts.Until.UTC())
	}

	whereClause := "1=1"
	if len(conditions) > 0 {
		whereClause = strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	params = append(params, limit, opts.Offset)

	query := `SELECT id, content_scope, external_session_id, outcome_type, started_at, ended_at
	          FROM sessions WHERE ` + whereClause + `
	          ORDER BY started_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var summaries []storage.SessionSummary
	for rows.Next() {
		var (
			summary                               storage.SessionSummary
			idStr                                 string
			contentScope, externalID, outcomeType sql.NullString
			endedAt                               sql.NullTime
		)
		if err := rows.Scan(&idStr, &contentScope, &externalID, &outcomeType,
			&summary.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		summary.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid session id: %w", err)
		}
		summary.ContentScope = contentScope.String
		summary.ExternalSessionID = externalID.String
		summary.OutcomeType = outcomeType.String
		if endedAt.Valid {
			t := endedAt.Time
			summary.EndedAt = &t
		}
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

func (s *Store) ImportSession(ctx context.Context, session *schema.Session) (*storage.ImportResult, error) {
	record := &storage.SessionRecord{
		ID:                uuid.New(), // server-assigned canonical id
		InitiatorType:     session.InitiatorType,
		Initiator:         session.Initiator,
		ContentScope:      session.ContentScope,
		ManifestRef:       session.ManifestRef,
		AgentID:           session.AgentID,
		ExternalSessionID: session.SessionID.String(),
		PriorSessionIDs:   session.PriorSessionIDs,
		UserContext:       userContextMap(session.UserContext),
		StartedAt:         session.StartedAt.UTC(),
	}
	if record.InitiatorType == "" {
		record.InitiatorType = schema.InitiatorUser
	}
	if err := s.CreateSession(ctx, record); err != nil {
		return nil, err
	}

	result := &storage.ImportResult{SessionID: record.ID}

	if len(session.Events) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		created, err := insertEvents(ctx, tx, record.ID, session.Events)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		result.EventsCreated = created
	}

	if session.Outcome != nil {
		endedAt := time.Now().UTC()
		if session.EndedAt != nil {
			endedAt = session.EndedAt.UTC()
		}
		outcomeJSON, err := json.Marshal(session.Outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outcome: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions
			 SET ended_at = ?, outcome_type = ?, outcome_value = ?, updated_at = ?
			 WHERE id = ?`,
			endedAt, string(session.Outcome.Type), string(outcomeJSON),
			time.Now().UTC(), record.ID.String())
		if err != nil {
			return nil, fmt.Errorf("failed to record outcome: %w", err)
		}
		result.OutcomeRecorded = true
	}

	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*storage.SessionRecord, error) {
	var (
		record                                 storage.SessionRecord
		idStr, initiatorType                   string
		initiator, contentScope, manifestRef   sql.NullString
		agentID, externalID, priorIDs          sql.NullString
		userContext, outcomeType, outcomeValue sql.NullString
		endedAt                                sql.NullTime
	)

	err := row.Scan(&idStr, &initiatorType, &initiator, &contentScope,
		&manifestRef, &agentID, &externalID, &priorIDs, &userContext,
		&record.StartedAt, &endedAt, &outcomeType, &outcomeValue,
		&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}

	record.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	record.InitiatorType = schema.InitiatorType(initiatorType)
	record.ContentScope = contentScope.String
	record.ManifestRef = manifestRef.String
	record.AgentID = agentID.String
	record.ExternalSessionID = externalID.String
	record.OutcomeType = outcomeType.String
	if endedAt.Valid {
		t := endedAt.Time
		record.EndedAt = &t
	}
	if initiator.Valid && initiator.String != "" {
		if err := json.Unmarshal([]byte(initiator.String), &record.Initiator); err != nil {
			return nil, fmt.Errorf("failed to unmarshal initiator: %w", err)
		}
	}
	if priorIDs.Valid && priorIDs.String != "" {
		if err := json.Unmarshal([]byte(priorIDs.String), &record.PriorSessionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior_session_ids: %w", err)
		}
	}
	if userContext.Valid && userContext.String != "" {
		if err := json.Unmarshal([]byte(userContext.String), &record.UserContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user_context: %w", err)
		}
	}
	if outcomeValue.Valid && outcomeValue.String != "" {
		if err := json.Unmarshal([]byte(outcomeValue.String), &record.OutcomeValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome_value: %w", err)
		}
	}

	return &record, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalUUIDs(ids []uuid.UUID) (sql.NullString, error) {
	if len(ids) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// userContextMap converts the typed UserContext into the free-form map
// stored in the user_context column.
func userContextMap(uc schema.UserContext) map[string]any {
	m := map[string]any{}
	if uc.ExternalID != "" {
		m["external_id"] = uc.ExternalID
	}
	if len(uc.Segments) > 0 {
		m["segments"] = uc.Segments
	}
	if len(uc.Attributes) > 0 {
		m["attributes"] = uc.Attributes
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
