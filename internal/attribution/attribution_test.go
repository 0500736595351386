package attribution

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openattribution/telemetry-go/internal/schema"
)

func makeSession(events ...schema.Event) *schema.Session {
	return &schema.Session{
		SchemaVersion: schema.SchemaVersion,
		SessionID:     uuid.New(),
		ContentScope:  "example.com",
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Events:        events,
	}
}

func retrievedEvent(ts time.Time, url string) schema.Event {
	return schema.Event{
		ID:         uuid.New(),
		Type:       schema.EventContentRetrieved,
		Timestamp:  ts,
		ContentURL: url,
	}
}

func citedEvent(ts time.Time, url string, data map[string]any) schema.Event {
	return schema.Event{
		ID:         uuid.New(),
		Type:       schema.EventContentCited,
		Timestamp:  ts,
		ContentURL: url,
		Data:       data,
	}
}

func turnEvent(intent schema.IntentCategory, topics ...string) schema.Event {
	return schema.Event{
		ID:        uuid.New(),
		Type:      schema.EventTurnCompleted,
		Timestamp: time.Now().UTC(),
		Turn: &schema.ConversationTurn{
			PrivacyLevel: schema.PrivacyIntent,
			QueryIntent:  intent,
			Topics:       topics,
		},
	}
}

func TestSessionToAttribution(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	contentID := uuid.New()
	session := makeSession(
		retrievedEvent(ts, "https://example.com/reviews/trail-shoes"),
		schema.Event{
			ID:        uuid.New(),
			Type:      schema.EventContentRetrieved,
			Timestamp: ts.Add(time.Second),
			ContentID: &contentID,
			Data:      map[string]any{"source_id": "index-7"},
		},
		citedEvent(ts.Add(2*time.Second), "https://example.com/reviews/trail-shoes", map[string]any{
			"citation_type":  "quote",
			"excerpt_tokens": float64(42),
			"position":       1,
			"content_hash":   "sha256:abcd",
		}),
		turnEvent(schema.IntentProductResearch, "running", "shoes"),
	)

	got := SessionToAttribution(session)

	if got.ContentScope != "example.com" {
		t.Errorf("content_scope = %q, want example.com", got.ContentScope)
	}
	if len(got.ContentRetrieved) != 2 {
		t.Fatalf("content_retrieved has %d entries, want 2", len(got.ContentRetrieved))
	}
	if got.ContentRetrieved[0].ContentRef != "https://example.com/reviews/trail-shoes" {
		t.Errorf("first retrieved ref = %q", got.ContentRetrieved[0].ContentRef)
	}
	if got.ContentRetrieved[1].ContentRef != contentID.String() {
		t.Errorf("uuid-referenced retrieval should fall back to the UUID string, got %q", got.ContentRetrieved[1].ContentRef)
	}
	if got.ContentRetrieved[1].SourceID != "index-7" {
		t.Errorf("source_id = %q, want index-7", got.ContentRetrieved[1].SourceID)
	}

	if len(got.ContentCited) != 1 {
		t.Fatalf("content_cited has %d entries, want 1", len(got.ContentCited))
	}
	cited := got.ContentCited[0]
	if cited.CitationType != "quote" {
		t.Errorf("citation_type = %q, want quote", cited.CitationType)
	}
	if cited.ExcerptTokens == nil || *cited.ExcerptTokens != 42 {
		t.Errorf("excerpt_tokens = %v, want 42", cited.ExcerptTokens)
	}
	if cited.Position == nil || *cited.Position != 1 {
		t.Errorf("position = %v, want 1", cited.Position)
	}
	if cited.ContentHash != "sha256:abcd" {
		t.Errorf("content_hash = %q", cited.ContentHash)
	}

	if got.ConversationSummary == nil {
		t.Fatal("conversation_summary missing")
	}
	sum := got.ConversationSummary
	if sum.TurnCount != 1 {
		t.Errorf("turn_count = %d, want 1", sum.TurnCount)
	}
	if sum.PrimaryIntent != schema.IntentProductResearch {
		t.Errorf("primary_intent = %q, want product_research", sum.PrimaryIntent)
	}
	if !reflect.DeepEqual(sum.Topics, []string{"running", "shoes"}) {
		t.Errorf("topics = %v", sum.Topics)
	}
	if sum.TotalContentRetrieved != 2 || sum.TotalContentCited != 1 {
		t.Errorf("totals = %d/%d, want 2/1", sum.TotalContentRetrieved, sum.TotalContentCited)
	}
}

func TestSessionToAttribution_EmptySession(t *testing.T) {
	session := &schema.Session{
		SessionID:    uuid.New(),
		ContentScope: "test-scope",
		StartedAt:    time.Now().UTC(),
	}
	got := SessionToAttribution(session)

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"content_scope":"test-scope"}`
	if string(raw) != want {
		t.Errorf("empty session encodes as %s, want %s", raw, want)
	}
}

func TestSessionToAttribution_Idempotent(t *testing.T) {
	session := makeSession(
		retrievedEvent(time.Now().UTC(), "https://example.com/a"),
		turnEvent(schema.IntentComparison, "laptops"),
	)
	first := SessionToAttribution(session)
	second := SessionToAttribution(session)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("transform is not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestSessionToAttribution_DoesNotMutateInput(t *testing.T) {
	session := makeSession(
		retrievedEvent(time.Now().UTC(), "https://example.com/a"),
		turnEvent(schema.IntentComparison, "laptops", "tablets"),
	)
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	SessionToAttribution(session)
	after, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != string(after) {
		t.Error("transform mutated the input session")
	}
}

func TestTopicDeduplication(t *testing.T) {
	session := makeSession(
		turnEvent(schema.IntentComparison, "a", "b"),
		turnEvent(schema.IntentComparison, "b", "c"),
	)
	got := SessionToAttribution(session)
	if got.ConversationSummary == nil {
		t.Fatal("conversation_summary missing")
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got.ConversationSummary.Topics, want) {
		t.Errorf("topics = %v, want %v (deduplicated, first-seen order)", got.ConversationSummary.Topics, want)
	}
}

func TestPrimaryIntentMajority(t *testing.T) {
	session := makeSession(
		turnEvent(schema.IntentComparison),
		turnEvent(schema.IntentPurchaseIntent),
		turnEvent(schema.IntentComparison),
	)
	got := SessionToAttribution(session)
	if got.ConversationSummary.PrimaryIntent != schema.IntentComparison {
		t.Errorf("primary_intent = %q, want comparison", got.ConversationSummary.PrimaryIntent)
	}
}

func TestPrimaryIntentTieIsStable(t *testing.T) {
	session := makeSession(
		turnEvent(schema.IntentHowTo),
		turnEvent(schema.IntentPriceCheck),
		turnEvent(schema.IntentPriceCheck),
		turnEvent(schema.IntentHowTo),
	)
	for i := 0; i < 10; i++ {
		got := SessionToAttribution(session)
		if got.ConversationSummary.PrimaryIntent != schema.IntentHowTo {
			t.Fatalf("tie broke to %q on run %d, want how_to (first encountered)", got.ConversationSummary.PrimaryIntent, i)
		}
	}
}

func TestEventsWithoutContentRefSkipped(t *testing.T) {
	session := makeSession(
		schema.Event{ID: uuid.New(), Type: schema.EventContentRetrieved, Timestamp: time.Now().UTC()},
		schema.Event{ID: uuid.New(), Type: schema.EventContentCited, Timestamp: time.Now().UTC()},
	)
	got := SessionToAttribution(session)
	if len(got.ContentRetrieved) != 0 || len(got.ContentCited) != 0 {
		t.Errorf("events without a content reference should be excluded, got %d retrieved / %d cited",
			len(got.ContentRetrieved), len(got.ContentCited))
	}
}

func TestCitationQualityFieldsOnlyWhenPresent(t *testing.T) {
	session := makeSession(
		citedEvent(time.Now().UTC(), "https://example.com/a", nil),
	)
	got := SessionToAttribution(session)
	if len(got.ContentCited) != 1 {
		t.Fatalf("content_cited has %d entries, want 1", len(got.ContentCited))
	}
	raw, err := json.Marshal(got.ContentCited[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"citation_type", "excerpt_tokens", "position", "content_hash"} {
		if _, ok := m[key]; ok {
			t.Errorf("absent quality field %q should be omitted from the encoding", key)
		}
	}
}

func TestPriorSessionIDsCarriedAsStrings(t *testing.T) {
	prior := uuid.New()
	session := makeSession()
	session.PriorSessionIDs = []uuid.UUID{prior}
	got := SessionToAttribution(session)
	if !reflect.DeepEqual(got.PriorSessionIDs, []string{prior.String()}) {
		t.Errorf("prior_session_ids = %v, want [%s]", got.PriorSessionIDs, prior)
	}
}
