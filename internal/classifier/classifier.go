package classifier

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
)

// Classification is a validated sentiment label with its confidence
type Classification struct {
	Sentiment  models.Sentiment `json:"sentiment" validate:"required,oneof=positive negative neutral"`
	Confidence float64          `json:"confidence" validate:"gte=0,lte=1"`
}

// DraftRequest carries what the drafting backend needs to write a reply
type DraftRequest struct {
	Text      string
	Sentiment models.Sentiment
	Location  string
	Author    string
}

// ClassifierInterface defines the contract for sentiment scoring and reply drafting
type ClassifierInterface interface {
	Classify(ctx context.Context, text string) (*Classification, error)
	Draft(ctx context.Context, req DraftRequest) (string, error)
	GetName() string
}

// New returns the OpenAI classifier when an API key is configured, otherwise
// the keyword lexicon.
func New(cfg *config.Config) ClassifierInterface {
	if cfg.OpenAIAPIKey == "" {
		logrus.Warn("OPENAI_API_KEY not set, using keyword sentiment analysis")
		return NewLexicon()
	}
	return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIRPS)
}
