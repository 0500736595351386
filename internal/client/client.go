// Package client implements the OpenAttribution telemetry client.
//
// Usage:
//
//	c := client.New(client.Config{
//		Endpoint:     "https://telemetry.example.com",
//		APIKey:       "key",
//		FailSilently: true,
//	})
//
//	sessionID, _ := c.StartSession(ctx, client.StartSessionParams{
//		ContentScope:  "my-content-mix",
//		InitiatorType: schema.InitiatorUser,
//	})
//	_ = c.RecordEvent(ctx, sessionID, client.EventParams{
//		Type:      schema.EventContentRetrieved,
//		ContentID: &contentID,
//	})
//	_ = c.EndSession(ctx, sessionID, schema.NewOutcome(schema.OutcomeBrowse))
//
// Under fail-silently mode StartSession returns a nil session ID instead
// of an error; every subsequent call that receives a nil session ID skips
// the network entirely, so one failed start never cascades into a stream
// of doomed writes.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openattribution/telemetry-go/internal/schema"
	"github.com/openattribution/telemetry-go/internal/tokens"
	"github.com/openattribution/telemetry-go/internal/transport"
)

const defaultTimeout = 30 * time.Second

// Config holds client configuration. There is no process-wide settings
// object; pass a Config to New.
type Config struct {
	// Endpoint is the base URL of the telemetry API.
	Endpoint string

	// APIKey authenticates the client (sent as X-API-Key).
	APIKey string

	// Timeout bounds each HTTP attempt. Defaults to 30s.
	Timeout time.Duration

	// MaxRetries is the retry budget for transient failures.
	// Total attempts per request = MaxRetries + 1.
	MaxRetries int

	// FailSilently swallows terminal delivery failures after logging a
	// warning, so telemetry can never break the host application.
	FailSilently bool
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (e.g. for recording fixtures).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithJitterSource sets the backoff jitter source (seedable for tests).
func WithJitterSource(jitter func() float64) Option {
	return func(c *Client) {
		c.jitter = jitter
	}
}

// WithTokenCounter sets the counter used to backfill turn token counts.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(c *Client) {
		c.counter = counter
	}
}

// Client records OpenAttribution telemetry. It holds no session-scoped
// state and is safe for concurrent use across sessions.
type Client struct {
	endpoint     string
	failSilently bool
	logger       *slog.Logger
	httpClient   *http.Client
	jitter       func() float64
	counter      tokens.Counter
	transport    *transport.Transport
}

// New creates a telemetry client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		failSilently: cfg.FailSilently,
		logger:       slog.Default(),
		httpClient:   &http.Client{Timeout: timeout},
		counter:      tokens.NewCounter(),
	}
	for _, opt := range opts {
		opt(c)
	}

	topts := []transport.Option{
		transport.WithHTTPClient(c.httpClient),
		transport.WithLogger(c.logger),
	}
	if c.jitter != nil {
		topts = append(topts, transport.WithJitterSource(c.jitter))
	}
	c.transport = transport.New(cfg.APIKey, cfg.MaxRetries, cfg.FailSilently, topts...)
	return c
}

// StartSessionParams are the inputs to StartSession.
type StartSessionParams struct {
	// ContentScope identifies the licensed content collection in use.
	ContentScope string

	// InitiatorType records who started the session (user or agent).
	InitiatorType schema.InitiatorType

	// Initiator is an optional identity payload for the initiator.
	Initiator map[string]any

	AgentID           string
	ExternalSessionID string
	ManifestRef       string
	PriorSessionIDs   []uuid.UUID
	UserContext       *schema.UserContext
}

type startSessionRequest struct {
	InitiatorType     schema.InitiatorType `json:"initiator_type"`
	Initiator         map[string]any       `json:"initiator,omitempty"`
	ContentScope      string               `json:"content_scope,omitempty"`
	AgentID           string               `json:"agent_id,omitempty"`
	ExternalSessionID string               `json:"external_session_id,omitempty"`
	UserContext       schema.UserContext   `json:"user_context"`
	ManifestRef       string               `json:"manifest_ref,omitempty"`
	PriorSessionIDs   []uuid.UUID          `json:"prior_session_ids"`
}

type sessionIDResponse struct {
	SessionID uuid.UUID `json:"session_id"`
}

// StartSession starts a new telemetry session and returns its ID. A nil
// ID is only possible under fail-silently mode and marks the session as
// absent: pass it to the other operations and they become no-ops.
func (c *Client) StartSession(ctx context.Context, params StartSessionParams) (*uuid.UUID, error) {
	initiatorType := params.InitiatorType
	if initiatorType == "" {
		initiatorType = schema.InitiatorUser
	}

	userContext := schema.UserContext{}
	if params.UserContext != nil {
		userContext = *params.UserContext
	}

	req := startSessionRequest{
		InitiatorType:     initiatorType,
		Initiator:         params.Initiator,
		ContentScope:      params.ContentScope,
		AgentID:           params.AgentID,
		ExternalSessionID: params.ExternalSessionID,
		UserContext:       userContext,
		ManifestRef:       params.ManifestRef,
		PriorSessionIDs:   params.PriorSessionIDs,
	}
	if req.PriorSessionIDs == nil {
		req.PriorSessionIDs = []uuid.UUID{}
	}

	body, err := c.transport.Do(ctx, http.MethodPost, c.endpoint+"/session/start", req)
	if err != nil {
		return nil, err
	}
	if body == nil {
		// Silent delivery failure: propagate absence.
		return nil, nil
	}

	var resp sessionIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session response: %w", err)
	}
	return &resp.SessionID, nil
}

// EventParams describe a single event to record. ID and Timestamp are
// generated when zero.
type EventParams struct {
	Type       schema.EventType
	ContentID  *uuid.UUID
	ContentURL string
	ProductID  *uuid.UUID
	Turn       *schema.ConversationTurn
	Data       map[string]any
}

// RecordEvent records a single telemetry event.
func (c *Client) RecordEvent(ctx context.Context, sessionID *uuid.UUID, params EventParams) error {
	event := schema.Event{
		ID:         uuid.New(),
		Type:       params.Type,
		Timestamp:  time.Now().UTC(),
		ContentID:  params.ContentID,
		ContentURL: params.ContentURL,
		ProductID:  params.ProductID,
		Turn:       params.Turn,
		Data:       params.Data,
	}
	return c.RecordEvents(ctx, sessionID, []schema.Event{event})
}

type recordEventsRequest struct {
	SessionID uuid.UUID      `json:"session_id"`
	Events    []schema.Event `json:"events"`
}

// RecordEvents records multiple telemetry events in one request. A nil
// sessionID (from a silently failed StartSession) skips the network call.
func (c *Client) RecordEvents(ctx context.Context, sessionID *uuid.UUID, events []schema.Event) error {
	if sessionID == nil {
		c.logger.Warn("skipping event record, session was never started",
			slog.Int("events", len(events)))
		return nil
	}

	for i := range events {
		c.backfillTurnTokens(&events[i])
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	_, err := c.transport.Do(ctx, http.MethodPost, c.endpoint+"/events", recordEventsRequest{
		SessionID: *sessionID,
		Events:    events,
	})
	return err
}

type endSessionRequest struct {
	SessionID uuid.UUID             `json:"session_id"`
	Outcome   schema.SessionOutcome `json:"outcome"`
}

// EndSession ends a session with its outcome. A nil sessionID skips the
// network call.
func (c *Client) EndSession(ctx context.Context, sessionID *uuid.UUID, outcome schema.SessionOutcome) error {
	if sessionID == nil {
		c.logger.Warn("skipping session end, session was never started")
		return nil
	}
	if outcome.Currency == "" {
		outcome.Currency = "USD"
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	_, err := c.transport.Do(ctx, http.MethodPost, c.endpoint+"/session/end", endSessionRequest{
		SessionID: *sessionID,
		Outcome:   outcome,
	})
	return err
}

type uploadSessionResponse struct {
	SessionID       uuid.UUID `json:"session_id"`
	EventsCreated   int       `json:"events_created"`
	OutcomeRecorded bool      `json:"outcome_recorded"`
}

// UploadSession sends a complete session graph (session, events, outcome)
// in a single request. The server assigns its own canonical session ID and
// stores the caller's ID as external_session_id; the server-assigned ID is
// returned. A nil result is only possible under fail-silently mode.
func (c *Client) UploadSession(ctx context.Context, session *schema.Session) (*uuid.UUID, error) {
	if session.SchemaVersion == "" {
		session.SchemaVersion = schema.SchemaVersion
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	body, err := c.transport.Do(ctx, http.MethodPost, c.endpoint+"/session/bulk", session)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp uploadSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bulk response: %w", err)
	}
	return &resp.SessionID, nil
}

// backfillTurnTokens fills query/response token counts on turn events that
// carry text but no counts. Counts supplied by the caller are kept.
func (c *Client) backfillTurnTokens(event *schema.Event) {
	if c.counter == nil || event.Turn == nil {
		return
	}
	turn := event.Turn
	if turn.QueryTokens == 0 && turn.QueryText != "" {
		if n, err := c.counter.Count(turn.QueryText); err == nil {
			turn.QueryTokens = n
		}
	}
	if turn.ResponseTokens == 0 && turn.ResponseText != "" {
		if n, err := c.counter.Count(turn.ResponseText); err == nil {
			turn.ResponseTokens = n
		}
	}
}
