package models

import (
	"fmt"
	"strings"
	"time"
)

// Identity uniquely identifies a mention by its source platform and item id
type Identity struct {
	Platform string `json:"platform" validate:"required"`
	ItemID   string `json:"item_id" validate:"required"`
}

func (i Identity) String() string {
	return i.Platform + "/" + i.ItemID
}

// Sentiment is the classified tone of a mention
type Sentiment string

const (
	SentimentUnclassified Sentiment = "unclassified"
	SentimentPositive     Sentiment = "positive"
	SentimentNegative     Sentiment = "negative"
	SentimentNeutral      Sentiment = "neutral"
)

// ParseSentiment converts a loosely formatted label into a Sentiment
func ParseSentiment(label string) (Sentiment, error) {
	switch s := Sentiment(strings.ToLower(strings.TrimSpace(label))); s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return s, nil
	default:
		return SentimentUnclassified, fmt.Errorf("unknown sentiment label %q: %w", label, ErrMalformedOutput)
	}
}

// IsBenign reports whether no response needs to be drafted
func (s Sentiment) IsBenign() bool {
	return s == SentimentPositive || s == SentimentNeutral
}

// Decision is the operator's verdict on a drafted response
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision accepts only the two verdicts an operator can record
func ParseDecision(value string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(value))); d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	default:
		return DecisionPending, fmt.Errorf("decision must be 'approved' or 'rejected', got %q", value)
	}
}

// RawItem is a candidate mention as returned by a fetch source
type RawItem struct {
	Identity    Identity  `json:"identity"`
	Location    string    `json:"location" validate:"required"`
	Author      string    `json:"author" validate:"required"`
	Body        string    `json:"body" validate:"required"`
	CreatedAt   time.Time `json:"created_at" validate:"required"`
	Permalink   string    `json:"permalink" validate:"required,url"`
	MatchedTerm string    `json:"matched_term" validate:"required"`
}

// Mention is one observed item and its pipeline state
type Mention struct {
	Identity

	// Captured at ingestion, never rewritten
	Location    string    `json:"location"`
	Author      string    `json:"author"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	Permalink   string    `json:"permalink"`
	MatchedTerm string    `json:"matched_term"`

	Sentiment     Sentiment  `json:"sentiment"`
	Confidence    float64    `json:"confidence"`
	DraftResponse string     `json:"draft_response,omitempty"`
	State         State      `json:"state"`
	FailedFrom    State      `json:"failed_from,omitempty"`
	Decision      Decision   `json:"decision"`
	DetectedAt    time.Time  `json:"detected_at"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`
	FailureCount  int        `json:"failure_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LeaseUntil    *time.Time `json:"lease_until,omitempty"`
	Version       int64      `json:"version"`
}

// NewMention builds the initial DETECTED record for a fetched item
func NewMention(item RawItem, detectedAt time.Time) *Mention {
	return &Mention{
		Identity:    item.Identity,
		Location:    item.Location,
		Author:      item.Author,
		Body:        item.Body,
		CreatedAt:   item.CreatedAt,
		Permalink:   item.Permalink,
		MatchedTerm: item.MatchedTerm,
		Sentiment:   SentimentUnclassified,
		State:       StateDetected,
		Decision:    DecisionPending,
		DetectedAt:  detectedAt,
	}
}

// Frozen reports whether a failed mention has exhausted automatic retries
func (m *Mention) Frozen() bool {
	return m.State == StateFailed && m.NextAttemptAt == nil
}

// Leased reports whether another attempt currently holds the mention
func (m *Mention) Leased(now time.Time) bool {
	return m.LeaseUntil != nil && now.Before(*m.LeaseUntil)
}

// Event is one entry in a mention's audit trail
type Event struct {
	ID       string    `json:"id"`
	Identity Identity  `json:"identity"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
}

// Filter narrows the read-only query surface over stored mentions
type Filter struct {
	Platform  string
	Sentiment Sentiment
	State     State
	Term      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Report summarizes a set of mentions for operators
type Report struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	TotalMentions int               `json:"total_mentions"`
	ByState       map[State]int     `json:"by_state"`
	BySentiment   map[Sentiment]int `json:"by_sentiment"`
	ByTerm        map[string]int    `json:"by_term"`
	Pending       []Mention         `json:"pending"`
	Frozen        []Mention         `json:"frozen"`
}

// Alert is an outbound notification about a mention that needs a human
type Alert struct {
	Recipient string   `json:"recipient"`
	Subject   string   `json:"subject"`
	HTMLBody  string   `json:"html_body"`
	TextBody  string   `json:"text_body"`
	Mention   *Mention `json:"mention,omitempty"`
}
