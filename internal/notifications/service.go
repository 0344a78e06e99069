package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
)

// Service handles sending notifications via various channels
type Service struct {
	config *config.Config
	client *resty.Client
	send   func(m ...*gomail.Message) error
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type            string         `json:"@type"`
	Context         string         `json:"@context"`
	ThemeColor      string         `json:"themeColor,omitempty"`
	Title           string         `json:"title"`
	Text            string         `json:"text"`
	Sections        []TeamsSection `json:"sections,omitempty"`
	PotentialAction []TeamsAction  `json:"potentialAction,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type TeamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []TeamsTarget `json:"targets"`
}

type TeamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	return &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
		send:   dialer.DialAndSend,
	}
}

// SendAlert delivers an alert on every configured channel. It succeeds when
// at least one channel accepted the message.
func (s *Service) SendAlert(ctx context.Context, alert *models.Alert) error {
	return s.deliver(ctx, "alert",
		func(ctx context.Context) error { return s.sendToTeams(ctx, s.buildAlertCard(alert)) },
		func(ctx context.Context) error {
			return s.sendEmail(ctx, alert.Recipient, alert.Subject, alert.TextBody, alert.HTMLBody)
		},
	)
}

// SendReport delivers a summary report on every configured channel
func (s *Service) SendReport(ctx context.Context, report *models.Report) error {
	htmlBody, err := buildReportHTML(report)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}
	subject := fmt.Sprintf("Mentions Report - %s (%d mentions)", report.GeneratedAt.Format("Jan 2, 2006"), report.TotalMentions)

	return s.deliver(ctx, "report",
		func(ctx context.Context) error { return s.sendToTeams(ctx, s.buildReportCard(report)) },
		func(ctx context.Context) error {
			return s.sendEmail(ctx, s.config.NotificationEmail, subject, buildReportText(report), htmlBody)
		},
	)
}

func (s *Service) deliver(ctx context.Context, kind string, teams, email func(context.Context) error) error {
	var (
		errors    []string
		delivered int
	)

	if s.config.TeamsWebhookURL != "" {
		if err := teams(ctx); err != nil {
			logrus.Errorf("Failed to send Teams %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.Infof("Successfully sent %s to Teams", kind)
			delivered++
		}
	}

	if s.config.NotificationEmail != "" {
		if err := email(ctx); err != nil {
			logrus.Errorf("Failed to send email %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.Infof("Successfully sent %s via email", kind)
			delivered++
		}
	}

	if delivered == 0 {
		if len(errors) == 0 {
			return fmt.Errorf("no notification channel configured: %w", models.ErrNotConfigured)
		}
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (s *Service) sendToTeams(ctx context.Context, message *TeamsMessage) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)

	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

func (s *Service) sendEmail(ctx context.Context, recipient, subject, textBody, htmlBody string) error {
	if recipient == "" {
		recipient = s.config.NotificationEmail
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SenderAddress())
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	m.AddAlternative("text/html", htmlBody)

	// gomail has no context support; bound the wait instead of the dial
	done := make(chan error, 1)
	go func() { done <- s.send(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}

func (s *Service) buildAlertCard(alert *models.Alert) *TeamsMessage {
	m := alert.Mention
	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: "d13438",
		Title:      alert.Subject,
		Text:       "A negative mention is waiting for a response decision.",
	}
	if m == nil {
		return message
	}

	message.Sections = append(message.Sections, TeamsSection{
		ActivityTitle:    fmt.Sprintf("u/%s in %s", m.Author, m.Location),
		ActivitySubtitle: m.CreatedAt.Format("2006-01-02 15:04:05 UTC"),
		ActivityText:     truncate(m.Body, 500),
		Facts: []TeamsFact{
			{Name: "Sentiment", Value: string(m.Sentiment)},
			{Name: "Confidence", Value: fmt.Sprintf("%.2f", m.Confidence)},
			{Name: "Matched term", Value: m.MatchedTerm},
		},
		Markdown: true,
	}, TeamsSection{
		ActivityTitle: "Proposed response",
		ActivityText:  m.DraftResponse,
		Markdown:      true,
	})

	message.PotentialAction = []TeamsAction{{
		Type:    "OpenUri",
		Name:    "View comment",
		Targets: []TeamsTarget{{OS: "default", URI: m.Permalink}},
	}}
	if url := reviewURL(s.config.AppURL, m); url != "" {
		message.PotentialAction = append(message.PotentialAction, TeamsAction{
			Type:    "OpenUri",
			Name:    "Review response",
			Targets: []TeamsTarget{{OS: "default", URI: url}},
		})
	}

	return message
}

func (s *Service) buildReportCard(report *models.Report) *TeamsMessage {
	facts := []TeamsFact{
		{Name: "Total Mentions", Value: fmt.Sprintf("%d", report.TotalMentions)},
		{Name: "Awaiting Decision", Value: fmt.Sprintf("%d", len(report.Pending))},
		{Name: "Frozen Failures", Value: fmt.Sprintf("%d", len(report.Frozen))},
		{Name: "Generated", Value: report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")},
	}
	for sentiment, count := range report.BySentiment {
		facts = append(facts, TeamsFact{
			Name:  fmt.Sprintf("%s Mentions", titleCase(string(sentiment))),
			Value: fmt.Sprintf("%d", count),
		})
	}

	return &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   "Mentions Report",
		Text:    fmt.Sprintf("Tracked %d mentions", report.TotalMentions),
		Sections: []TeamsSection{{
			ActivityTitle: "Summary",
			Facts:         facts,
			Markdown:      true,
		}},
	}
}

// truncate shortens s to length characters
func truncate(s string, length int) string {
	if utf8.RuneCountInString(s) <= length {
		return s
	}
	return string([]rune(s)[:length]) + "..."
}

func titleCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
