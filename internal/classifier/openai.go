package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/azure/mentions-responder/internal/models"
)

const sentimentPrompt = `You are a sentiment analysis expert. Classify the sentiment of the given text as positive, negative, or neutral.

Provide a confidence score between 0 and 1, where:
- 0.0-0.4: Low confidence
- 0.4-0.7: Medium confidence
- 0.7-1.0: High confidence

Respond with a JSON object with exactly these fields:
- sentiment: "positive", "negative" or "neutral"
- confidence: a number between 0 and 1`

const responsePrompt = `You are a professional customer service representative for a company.
Draft a thoughtful, empathetic reply to a negative comment about your company or product.

Guidelines:
1. Acknowledge the customer's concerns
2. Keep a professional and respectful tone
3. Offer a solution or next steps when possible
4. Keep the reply to 3-5 sentences
5. Do not be defensive or argumentative
6. Do not make specific promises you can't keep

The comment is from Reddit, so the reply must suit that platform. Reply with the response text only.`

// OpenAI classifies and drafts replies with a chat completion model
type OpenAI struct {
	client   *openai.Client
	model    string
	limiter  *rate.Limiter
	validate *validator.Validate
}

// Ensure OpenAI implements ClassifierInterface
var _ ClassifierInterface = (*OpenAI)(nil)

// NewOpenAI creates a rate-limited OpenAI classifier
func NewOpenAI(apiKey, model string, rps float64) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model, rps)
}

// NewOpenAIWithConfig allows pointing the client at a compatible endpoint
func NewOpenAIWithConfig(cfg openai.ClientConfig, model string, rps float64) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		validate: validator.New(),
	}
}

func (o *OpenAI) GetName() string {
	return "openai"
}

// Classify asks the model for a JSON sentiment verdict and validates it
func (o *OpenAI) Classify(ctx context.Context, text string) (*Classification, error) {
	content, err := o.complete(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sentimentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Sentiment  string   `json:"sentiment"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("openai: sentiment response is not JSON: %w", models.ErrMalformedOutput)
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("openai: sentiment response has no confidence: %w", models.ErrMalformedOutput)
	}

	sentiment, err := models.ParseSentiment(raw.Sentiment)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	result := &Classification{Sentiment: sentiment, Confidence: *raw.Confidence}
	if err := o.validate.Struct(result); err != nil {
		return nil, fmt.Errorf("openai: invalid classification %v: %w", err, models.ErrMalformedOutput)
	}

	logrus.WithFields(logrus.Fields{
		"sentiment":  result.Sentiment,
		"confidence": result.Confidence,
	}).Debug("Classified mention")
	return result, nil
}

// Draft asks the model for a reply to a negative comment
func (o *OpenAI) Draft(ctx context.Context, req DraftRequest) (string, error) {
	user := fmt.Sprintf("Respond to this %s comment:\n\nSubreddit: %s\nAuthor: %s\nComment: %s\n\nDraft a response that addresses their concerns professionally:",
		req.Sentiment, req.Location, req.Author, req.Text)

	content, err := o.complete(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: responsePrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	draft := strings.TrimSpace(content)
	if draft == "" {
		return "", fmt.Errorf("openai: empty draft: %w", models.ErrMalformedOutput)
	}
	return draft, nil
}

func (o *OpenAI) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned: %w", models.ErrMalformedOutput)
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("openai: %w", err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("openai: %v: %w", err, models.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("openai: %v: %w", err, models.ErrAuth)
	case status >= 400 && status < 500:
		return fmt.Errorf("openai: %v: %w", err, models.ErrPermanent)
	default:
		return fmt.Errorf("openai: %v: %w", err, models.ErrTransient)
	}
}
