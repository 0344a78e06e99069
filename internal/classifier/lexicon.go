package classifier

import (
	"context"
	"math"
	"strings"

	"github.com/azure/mentions-responder/internal/models"
)

// FallbackResponse is drafted when no language model is available
const FallbackResponse = "I apologize for your negative experience. Our team will review your feedback and get back to you soon."

var (
	positiveWords = []string{"good", "great", "excellent", "love", "awesome", "fantastic", "helpful", "works", "solved", "success", "thanks", "recommend"}
	negativeWords = []string{"bad", "terrible", "awful", "hate", "broken", "error", "fail", "problem", "issue", "bug", "worst", "refund", "scam", "disappointed"}
)

// Lexicon scores sentiment by counting known positive and negative words
type Lexicon struct{}

// Ensure Lexicon implements ClassifierInterface
var _ ClassifierInterface = (*Lexicon)(nil)

func NewLexicon() *Lexicon {
	return &Lexicon{}
}

func (l *Lexicon) GetName() string {
	return "lexicon"
}

// Classify labels text by the majority of matched words. Confidence grows
// with how lopsided the match is and sits at 0.5 when nothing matches.
func (l *Lexicon) Classify(ctx context.Context, text string) (*Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := strings.ToLower(text)
	positive, negative := 0, 0
	for _, word := range positiveWords {
		if strings.Contains(content, word) {
			positive++
		}
	}
	for _, word := range negativeWords {
		if strings.Contains(content, word) {
			negative++
		}
	}

	total := positive + negative
	if total == 0 {
		return &Classification{Sentiment: models.SentimentNeutral, Confidence: 0.5}, nil
	}

	confidence := 0.5 + 0.5*math.Abs(float64(positive-negative))/float64(total)
	switch {
	case positive > negative:
		return &Classification{Sentiment: models.SentimentPositive, Confidence: confidence}, nil
	case negative > positive:
		return &Classification{Sentiment: models.SentimentNegative, Confidence: confidence}, nil
	default:
		return &Classification{Sentiment: models.SentimentNeutral, Confidence: 0.5}, nil
	}
}

func (l *Lexicon) Draft(ctx context.Context, _ DraftRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return FallbackResponse, nil
}
