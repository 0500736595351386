// Package attribution derives commerce-attribution payloads from telemetry
// sessions. SessionToAttribution is a pure read: it never mutates its
// input and raises no errors; malformed events are simply excluded from
// the derived lists.
package attribution

import (
	"time"

	"github.com/openattribution/telemetry-go/internal/schema"
)

// Attribution is the derived summary of a session's content usage,
// suitable for embedding in a checkout/attribution payload. Empty
// sections are omitted from the JSON encoding entirely.
type Attribution struct {
	ContentScope        string               `json:"content_scope,omitempty"`
	PriorSessionIDs     []string             `json:"prior_session_ids,omitempty"`
	ContentRetrieved    []RetrievedContent   `json:"content_retrieved,omitempty"`
	ContentCited        []CitedContent       `json:"content_cited,omitempty"`
	ConversationSummary *ConversationSummary `json:"conversation_summary,omitempty"`
}

// RetrievedContent records one content fetch.
type RetrievedContent struct {
	ContentRef string    `json:"content_ref"`
	Timestamp  time.Time `json:"timestamp"`
	SourceID   string    `json:"source_id,omitempty"`
}

// CitedContent records one citation with optional quality signals. Each
// signal is included only when present in the event metadata; there is no
// defaulting.
type CitedContent struct {
	ContentRef    string    `json:"content_ref"`
	Timestamp     time.Time `json:"timestamp"`
	CitationType  string    `json:"citation_type,omitempty"`
	ExcerptTokens *int      `json:"excerpt_tokens,omitempty"`
	Position      *int      `json:"position,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// ConversationSummary is the privacy-preserving digest of the session's
// completed turns, with retrieval/citation totals folded in.
type ConversationSummary struct {
	TurnCount             int                   `json:"turn_count,omitempty"`
	PrimaryIntent         schema.IntentCategory `json:"primary_intent,omitempty"`
	Topics                []string              `json:"topics,omitempty"`
	TotalContentRetrieved int                   `json:"total_content_retrieved,omitempty"`
	TotalContentCited     int                   `json:"total_content_cited,omitempty"`
}

// SessionToAttribution converts a session's event stream into an
// attribution object. Events are visited in list order; callers who need
// timestamp order must pre-sort.
func SessionToAttribution(session *schema.Session) Attribution {
	retrieved := extractContentRetrieved(session)
	cited := extractContentCited(session)
	summary := buildConversationSummary(session, len(retrieved), len(cited))

	attribution := Attribution{
		ContentScope:     session.ContentScope,
		ContentRetrieved: retrieved,
		ContentCited:     cited,
	}

	if len(session.PriorSessionIDs) > 0 {
		ids := make([]string, len(session.PriorSessionIDs))
		for i, sid := range session.PriorSessionIDs {
			ids[i] = sid.String()
		}
		attribution.PriorSessionIDs = ids
	}

	if !summaryEmpty(summary) {
		attribution.ConversationSummary = &summary
	}

	return attribution
}

func summaryEmpty(s ConversationSummary) bool {
	return s.TurnCount == 0 && s.PrimaryIntent == "" && len(s.Topics) == 0 &&
		s.TotalContentRetrieved == 0 && s.TotalContentCited == 0
}

func extractContentRetrieved(session *schema.Session) []RetrievedContent {
	var results []RetrievedContent
	for i := range session.Events {
		event := &session.Events[i]
		if event.Type != schema.EventContentRetrieved {
			continue
		}
		ref := event.ContentRef()
		if ref == "" {
			continue
		}
		entry := RetrievedContent{
			ContentRef: ref,
			Timestamp:  event.Timestamp,
		}
		if sourceID, ok := event.Data["source_id"].(string); ok {
			entry.SourceID = sourceID
		}
		results = append(results, entry)
	}
	return results
}

func extractContentCited(session *schema.Session) []CitedContent {
	var results []CitedContent
	for i := range session.Events {
		event := &session.Events[i]
		if event.Type != schema.EventContentCited {
			continue
		}
		ref := event.ContentRef()
		if ref == "" {
			continue
		}
		entry := CitedContent{
			ContentRef: ref,
			Timestamp:  event.Timestamp,
		}
		if v, ok := event.Data["citation_type"].(string); ok {
			entry.CitationType = v
		}
		if n, ok := intFromAny(event.Data["excerpt_tokens"]); ok {
			entry.ExcerptTokens = &n
		}
		if n, ok := intFromAny(event.Data["position"]); ok {
			entry.Position = &n
		}
		if v, ok := event.Data["content_hash"].(string); ok {
			entry.ContentHash = v
		}
		results = append(results, entry)
	}
	return results
}

func buildConversationSummary(session *schema.Session, totalRetrieved, totalCited int) ConversationSummary {
	var intents []schema.IntentCategory
	topicsSeen := make(map[string]struct{})
	var topics []string
	turnCount := 0

	for i := range session.Events {
		event := &session.Events[i]
		if event.Type != schema.EventTurnCompleted {
			continue
		}
		turnCount++
		if event.Turn == nil {
			continue
		}
		if event.Turn.QueryIntent != "" {
			intents = append(intents, event.Turn.QueryIntent)
		}
		for _, topic := range event.Turn.Topics {
			if _, seen := topicsSeen[topic]; seen {
				continue
			}
			topicsSeen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	summary := ConversationSummary{
		Topics:                topics,
		TotalContentRetrieved: totalRetrieved,
		TotalContentCited:     totalCited,
	}
	if turnCount > 0 {
		summary.TurnCount = turnCount
	}
	summary.PrimaryIntent = primaryIntent(intents)
	return summary
}

// primaryIntent returns the mode of the observed intents. Ties resolve to
// the intent that reached the winning count first (stable count order).
func primaryIntent(intents []schema.IntentCategory) schema.IntentCategory {
	if len(intents) == 0 {
		return ""
	}
	counts := make(map[schema.IntentCategory]int)
	var order []schema.IntentCategory
	for _, intent := range intents {
		if counts[intent] == 0 {
			order = append(order, intent)
		}
		counts[intent]++
	}
	best := order[0]
	for _, intent := range order[1:] {
		if counts[intent] > counts[best] {
			best = intent
		}
	}
	return best
}

// intFromAny coerces JSON-decoded numbers (float64) and native ints to
// int. Anything else is treated as absent.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
