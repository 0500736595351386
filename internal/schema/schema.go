// Package schema defines the OpenAttribution telemetry data model:
// sessions, events, conversation turns, and outcomes.
//
// The types mirror the wire format exactly (JSON field names are part of
// the contract). Validation happens at the boundary via the Validate
// methods; everything past the boundary can assume well-formed values.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the OpenAttribution schema version this package implements.
const SchemaVersion = "0.2"

// EventType classifies a telemetry event.
type EventType string

const (
	// Content lifecycle events
	EventContentRetrieved EventType = "content_retrieved"
	EventContentDisplayed EventType = "content_displayed"
	EventContentEngaged   EventType = "content_engaged"
	EventContentCited     EventType = "content_cited"

	// Conversation events
	EventTurnStarted   EventType = "turn_started"
	EventTurnCompleted EventType = "turn_completed"

	// Commerce events
	EventProductViewed     EventType = "product_viewed"
	EventProductCompared   EventType = "product_compared"
	EventCartAdd           EventType = "cart_add"
	EventCartRemove        EventType = "cart_remove"
	EventCheckoutStarted   EventType = "checkout_started"
	EventCheckoutCompleted EventType = "checkout_completed"
	EventCheckoutAbandoned EventType = "checkout_abandoned"
)

var eventTypes = map[EventType]struct{}{
	EventContentRetrieved:  {},
	EventContentDisplayed:  {},
	EventContentEngaged:    {},
	EventContentCited:      {},
	EventTurnStarted:       {},
	EventTurnCompleted:     {},
	EventProductViewed:     {},
	EventProductCompared:   {},
	EventCartAdd:           {},
	EventCartRemove:        {},
	EventCheckoutStarted:   {},
	EventCheckoutCompleted: {},
	EventCheckoutAbandoned: {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// IsTurn reports whether t is a conversation turn event.
func (t EventType) IsTurn() bool {
	return t == EventTurnStarted || t == EventTurnCompleted
}

// OutcomeType classifies the terminal business result of a session.
type OutcomeType string

const (
	OutcomeConversion  OutcomeType = "conversion"
	OutcomeAbandonment OutcomeType = "abandonment"
	OutcomeBrowse      OutcomeType = "browse"
)

// Valid reports whether t is a known outcome type.
func (t OutcomeType) Valid() bool {
	switch t {
	case OutcomeConversion, OutcomeAbandonment, OutcomeBrowse:
		return true
	}
	return false
}

// PrivacyLevel controls which conversation turn fields may be populated.
//
//   - full: complete query and response text
//   - summary: generated summary text
//   - intent: classified intent/topics only, no raw text
//   - minimal: metadata only (token counts, content references)
type PrivacyLevel string

const (
	PrivacyFull    PrivacyLevel = "full"
	PrivacySummary PrivacyLevel = "summary"
	PrivacyIntent  PrivacyLevel = "intent"
	PrivacyMinimal PrivacyLevel = "minimal"
)

// Valid reports whether l is a known privacy level.
func (l PrivacyLevel) Valid() bool {
	switch l {
	case PrivacyFull, PrivacySummary, PrivacyIntent, PrivacyMinimal:
		return true
	}
	return false
}

// AllowsText reports whether raw query/response text may be included.
func (l PrivacyLevel) AllowsText() bool {
	return l == PrivacyFull || l == PrivacySummary
}

// AllowsIntent reports whether intent/topic classification may be included.
func (l PrivacyLevel) AllowsIntent() bool {
	return l == PrivacyFull || l == PrivacySummary || l == PrivacyIntent
}

// IntentCategory is a standardized intent classification for a query.
type IntentCategory string

const (
	// Research intents
	IntentProductResearch IntentCategory = "product_research"
	IntentComparison      IntentCategory = "comparison"
	IntentHowTo           IntentCategory = "how_to"
	IntentTroubleshooting IntentCategory = "troubleshooting"
	IntentGeneralQuestion IntentCategory = "general_question"

	// Commerce intents
	IntentPurchaseIntent    IntentCategory = "purchase_intent"
	IntentPriceCheck        IntentCategory = "price_check"
	IntentAvailabilityCheck IntentCategory = "availability_check"
	IntentReviewSeeking     IntentCategory = "review_seeking"

	// Other
	IntentChitchat IntentCategory = "chitchat"
	IntentOther    IntentCategory = "other"
)

var intentCategories = map[IntentCategory]struct{}{
	IntentProductResearch:   {},
	IntentComparison:        {},
	IntentHowTo:             {},
	IntentTroubleshooting:   {},
	IntentGeneralQuestion:   {},
	IntentPurchaseIntent:    {},
	IntentPriceCheck:        {},
	IntentAvailabilityCheck: {},
	IntentReviewSeeking:     {},
	IntentChitchat:          {},
	IntentOther:             {},
}

// Valid reports whether c is a known intent category.
func (c IntentCategory) Valid() bool {
	_, ok := intentCategories[c]
	return ok
}

// InitiatorType identifies who started a session.
type InitiatorType string

const (
	InitiatorUser  InitiatorType = "user"
	InitiatorAgent InitiatorType = "agent"
)

// Valid reports whether t is a known initiator type.
func (t InitiatorType) Valid() bool {
	return t == InitiatorUser || t == InitiatorAgent
}

// UserContext carries user segmentation data. external_id must not be PII;
// emitters are expected to send a hashed or synthetic identifier.
type UserContext struct {
	ExternalID string         `json:"external_id,omitempty"`
	Segments   []string       `json:"segments,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ConversationTurn is one query/response exchange with privacy controls.
// The privacy level determines which fields may be populated; token counts
// and content reference lists are safe at every level.
type ConversationTurn struct {
	PrivacyLevel PrivacyLevel `json:"privacy_level"`

	// full/summary only
	QueryText    string `json:"query_text,omitempty"`
	ResponseText string `json:"response_text,omitempty"`

	// intent and above
	QueryIntent  IntentCategory `json:"query_intent,omitempty"`
	ResponseType string         `json:"response_type,omitempty"`
	Topics       []string       `json:"topics,omitempty"`

	// always permitted
	ContentIDsRetrieved []uuid.UUID `json:"content_ids_retrieved,omitempty"`
	ContentIDsCited     []uuid.UUID `json:"content_ids_cited,omitempty"`
	QueryTokens         int         `json:"query_tokens,omitempty"`
	ResponseTokens      int         `json:"response_tokens,omitempty"`
	ModelID             string      `json:"model_id,omitempty"`
}

// Validate checks the privacy contract: fields above the declared tier
// must not be populated.
func (t *ConversationTurn) Validate() error {
	level := t.PrivacyLevel
	if level == "" {
		level = PrivacyMinimal
	}
	if !level.Valid() {
		return fmt.Errorf("invalid privacy_level %q", t.PrivacyLevel)
	}
	if !level.AllowsText() && (t.QueryText != "" || t.ResponseText != "") {
		return fmt.Errorf("privacy_level %q does not permit raw text", level)
	}
	if !level.AllowsIntent() && (t.QueryIntent != "" || t.ResponseType != "" || len(t.Topics) > 0) {
		return fmt.Errorf("privacy_level %q does not permit intent classification", level)
	}
	if t.QueryIntent != "" && !t.QueryIntent.Valid() {
		return fmt.Errorf("invalid query_intent %q", t.QueryIntent)
	}
	return nil
}

// Event is the atomic unit of telemetry: a typed, timestamped occurrence
// within a session. The caller-generated ID doubles as an idempotency key.
// Ordering within a session is defined by Timestamp, not insertion order.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Content reference: a UUID or a URL depending on the emitter profile.
	ContentID  *uuid.UUID `json:"content_id,omitempty"`
	ContentURL string     `json:"content_url,omitempty"`

	ProductID *uuid.UUID        `json:"product_id,omitempty"`
	Turn      *ConversationTurn `json:"turn,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
}

// ContentRef returns the event's content reference as a string: the URL if
// present, otherwise the content UUID. Empty if the event has neither.
func (e *Event) ContentRef() string {
	if e.ContentURL != "" {
		return e.ContentURL
	}
	if e.ContentID != nil {
		return e.ContentID.String()
	}
	return ""
}

// Validate checks structural constraints on the event.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("event id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	if e.Turn != nil {
		if !e.Type.IsTurn() {
			return fmt.Errorf("turn data is only valid on turn events, got %q", e.Type)
		}
		if err := e.Turn.Validate(); err != nil {
			return fmt.Errorf("invalid turn: %w", err)
		}
	}
	return nil
}

// SessionOutcome is the terminal business result of a session. Monetary
// value is in minor currency units (cents, pence, yen) to avoid
// floating-point money.
type SessionOutcome struct {
	Type        OutcomeType    `json:"type"`
	ValueAmount int64          `json:"value_amount"`
	Currency    string         `json:"currency"`
	Products    []uuid.UUID    `json:"products,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewOutcome builds an outcome with the schema defaults applied
// (value 0, currency USD).
func NewOutcome(outcomeType OutcomeType) SessionOutcome {
	return SessionOutcome{
		Type:     outcomeType,
		Currency: "USD",
	}
}

// Validate checks the outcome type and currency code shape.
func (o *SessionOutcome) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("invalid outcome type %q", o.Type)
	}
	if o.Currency != "" && len(o.Currency) != 3 {
		return fmt.Errorf("currency must be an ISO 4217 code, got %q", o.Currency)
	}
	return nil
}

// Session is a bounded interaction between a user/agent and an AI system.
// EndedAt is set at most once, by the end-session operation; a session
// with a non-nil EndedAt accepts no further events.
type Session struct {
	SchemaVersion string        `json:"schema_version"`
	SessionID     uuid.UUID     `json:"session_id"`
	InitiatorType InitiatorType `json:"initiator_type,omitempty"`

	// Initiator is an optional identity payload for the initiator
	// (e.g. an agent card for agent-initiated sessions).
	Initiator map[string]any `json:"initiator,omitempty"`

	AgentID           string `json:"agent_id,omitempty"`
	ExternalSessionID string `json:"external_session_id,omitempty"`

	// Content scope and licensing
	ContentScope string `json:"content_scope,omitempty"`
	ManifestRef  string `json:"manifest_ref,omitempty"`

	// Cross-session journey attribution
	PriorSessionIDs []uuid.UUID `json:"prior_session_ids,omitempty"`

	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	UserContext UserContext     `json:"user_context"`
	Events      []Event         `json:"events,omitempty"`
	Outcome     *SessionOutcome `json:"outcome,omitempty"`
}

// Validate checks the session and every contained event and the outcome.
func (s *Session) Validate() error {
	if s.SessionID == uuid.Nil {
		return fmt.Errorf("session_id is required")
	}
	if s.InitiatorType != "" && !s.InitiatorType.Valid() {
		return fmt.Errorf("invalid initiator_type %q", s.InitiatorType)
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	for i := range s.Events {
		if err := s.Events[i].Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	if s.Outcome != nil {
		if err := s.Outcome.Validate(); err != nil {
			return fmt.Errorf("invalid outcome: %w", err)
		}
	}
	return nil
}
