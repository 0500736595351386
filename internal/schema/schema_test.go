package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventTypeValid(t *testing.T) {
	known := []EventType{
		EventContentRetrieved, EventContentDisplayed, EventContentEngaged,
		EventContentCited, EventTurnStarted, EventTurnCompleted,
		EventProductViewed, EventProductCompared, EventCartAdd,
		EventCartRemove, EventCheckoutStarted, EventCheckoutCompleted,
		EventCheckoutAbandoned,
	}
	for _, et := range known {
		if !et.Valid() {
			t.Errorf("EventType(%q).Valid() = false, want true", et)
		}
	}
	if EventType("content_deleted").Valid() {
		t.Error("unknown event type should not be valid")
	}
	if EventType("").Valid() {
		t.Error("empty event type should not be valid")
	}
}

func TestEventTypeIsTurn(t *testing.T) {
	if !EventTurnStarted.IsTurn() || !EventTurnCompleted.IsTurn() {
		t.Error("turn events should report IsTurn")
	}
	if EventContentCited.IsTurn() {
		t.Error("content_cited should not report IsTurn")
	}
}

func TestPrivacyLevelTiers(t *testing.T) {
	tests := []struct {
		level       PrivacyLevel
		allowText   bool
		allowIntent bool
	}{
		{PrivacyFull, true, true},
		{PrivacySummary, true, true},
		{PrivacyIntent, false, true},
		{PrivacyMinimal, false, false},
	}
	for _, tt := range tests {
		if got := tt.level.AllowsText(); got != tt.allowText {
			t.Errorf("%q.AllowsText() = %v, want %v", tt.level, got, tt.allowText)
		}
		if got := tt.level.AllowsIntent(); got != tt.allowIntent {
			t.Errorf("%q.AllowsIntent() = %v, want %v", tt.level, got, tt.allowIntent)
		}
	}
}

func TestConversationTurnValidate(t *testing.T) {
	tests := []struct {
		name    string
		turn    ConversationTurn
		wantErr bool
	}{
		{
			name: "full with text",
			turn: ConversationTurn{
				PrivacyLevel: PrivacyFull,
				QueryText:    "best trail running shoes",
				ResponseText: "Here are three options...",
				QueryIntent:  IntentProductResearch,
			},
		},
		{
			name: "minimal with token counts only",
			turn: ConversationTurn{
				PrivacyLevel: PrivacyMinimal,
				QueryTokens:  12,
			},
		},
		{
			name: "empty level defaults to minimal",
			turn: ConversationTurn{QueryTokens: 3},
		},
		{
			name: "intent level rejects raw text",
			turn: ConversationTurn{
				PrivacyLevel: PrivacyIntent,
				QueryText:    "should not be here",
			},
			wantErr: true,
		},
		{
			name: "minimal rejects topics",
			turn: ConversationTurn{
				PrivacyLevel: PrivacyMinimal,
				Topics:       []string{"shoes"},
			},
			wantErr: true,
		},
		{
			name: "unknown level",
			turn: ConversationTurn{PrivacyLevel: "secret"},
			wantErr: true,
		},
		{
			name: "unknown intent",
			turn: ConversationTurn{
				PrivacyLevel: PrivacyIntent,
				QueryIntent:  "daydreaming",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.turn.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{
		ID:        uuid.New(),
		Type:      EventContentRetrieved,
		Timestamp: time.Now().UTC(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	noID := valid
	noID.ID = uuid.Nil
	if err := noID.Validate(); err == nil {
		t.Error("event without id should fail validation")
	}

	noTS := valid
	noTS.Timestamp = time.Time{}
	if err := noTS.Validate(); err == nil {
		t.Error("event without timestamp should fail validation")
	}

	badType := valid
	badType.Type = "telepathy"
	if err := badType.Validate(); err == nil {
		t.Error("unknown event type should fail validation")
	}

	turnOnNonTurn := valid
	turnOnNonTurn.Turn = &ConversationTurn{PrivacyLevel: PrivacyMinimal}
	if err := turnOnNonTurn.Validate(); err == nil {
		t.Error("turn payload on a non-turn event should fail validation")
	}
}

func TestEventContentRef(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"url preferred", Event{ContentID: &id, ContentURL: "https://example.com/a"}, "https://example.com/a"},
		{"uuid fallback", Event{ContentID: &id}, id.String()},
		{"neither", Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.ContentRef(); got != tt.want {
				t.Errorf("ContentRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewOutcomeDefaults(t *testing.T) {
	o := NewOutcome(OutcomeConversion)
	if o.Currency != "USD" {
		t.Errorf("default currency = %q, want USD", o.Currency)
	}
	if o.ValueAmount != 0 {
		t.Errorf("default value = %d, want 0", o.ValueAmount)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("default outcome should validate: %v", err)
	}
}

func TestSessionOutcomeValidate(t *testing.T) {
	o := SessionOutcome{Type: OutcomeConversion, Currency: "EURO"}
	if err := o.Validate(); err == nil {
		t.Error("4-letter currency should fail validation")
	}
	o = SessionOutcome{Type: "victory"}
	if err := o.Validate(); err == nil {
		t.Error("unknown outcome type should fail validation")
	}
}

func TestSessionValidate(t *testing.T) {
	s := Session{
		SchemaVersion: SchemaVersion,
		SessionID:     uuid.New(),
		StartedAt:     time.Now().UTC(),
		Events: []Event{
			{ID: uuid.New(), Type: EventProductViewed, Timestamp: time.Now().UTC()},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid session rejected: %v", err)
	}

	s.Events = append(s.Events, Event{Type: EventCartAdd})
	if err := s.Validate(); err == nil {
		t.Error("session with an invalid event should fail validation")
	}

	bad := Session{StartedAt: time.Now()}
	if err := bad.Validate(); err == nil {
		t.Error("session without id should fail validation")
	}

	badInit := Session{SessionID: uuid.New(), StartedAt: time.Now(), InitiatorType: "bot"}
	if err := badInit.Validate(); err == nil {
		t.Error("unknown initiator_type should fail validation")
	}
}

func TestSessionJSONFieldNames(t *testing.T) {
	id := uuid.New()
	s := Session{
		SchemaVersion: SchemaVersion,
		SessionID:     id,
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ContentScope:  "example.com",
	}
	raw, err := json.Marshal(&s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"schema_version", "session_id", "started_at", "content_scope", "user_context"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshaled session missing %q", key)
		}
	}
	if _, ok := m["ended_at"]; ok {
		t.Error("ended_at should be omitted when nil")
	}
	if _, ok := m["outcome"]; ok {
		t.Error("outcome should be omitted when nil")
	}
}
