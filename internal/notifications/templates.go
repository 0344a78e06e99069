package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/azure/mentions-responder/internal/models"
)

const alertTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Negative Comment Alert</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .draft { background-color: #f0f0f0; padding: 10px; border-radius: 5px; }
        .review { margin-top: 20px; padding: 15px; background-color: #e8f4f8; border-radius: 8px; border-left: 4px solid #2196F3; }
        .button { display: inline-block; background-color: #2196F3; color: white; padding: 10px 20px; text-decoration: none; border-radius: 4px; font-weight: bold; }
    </style>
</head>
<body>
    <h2>Negative Comment Detected</h2>
    <p><strong>Location:</strong> {{.Mention.Location}}</p>
    <p><strong>Author:</strong> {{.Mention.Author}}</p>
    <p><strong>Comment:</strong> {{.Mention.Body}}</p>
    <p><strong>Sentiment:</strong> {{.Mention.Sentiment}}</p>
    <p><strong>Confidence:</strong> {{printf "%.2f" .Mention.Confidence}}</p>
    <p><strong>Matched term:</strong> {{.Mention.MatchedTerm}}</p>
    <p><strong>URL:</strong> <a href="{{.Mention.Permalink}}">Link to comment</a></p>

    <h3>Proposed Response:</h3>
    <div class="draft"><p>{{.Mention.DraftResponse}}</p></div>

    {{if .ReviewURL}}
    <div class="review">
        <h3>Review and Approve:</h3>
        <p>Nothing is posted until the response is approved.</p>
        <p><a class="button" href="{{.ReviewURL}}">Review response</a></p>
    </div>
    {{end}}
</body>
</html>
`

const reportTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Mentions Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #0078d4; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .mention { border-left: 4px solid #d13438; padding: 10px; margin: 10px 0; background-color: #fafafa; }
        .mention-meta { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Mentions Report</h1>
        <p>Generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>

    <div class="summary">
        <h2>Summary</h2>
        <p><strong>Total Mentions:</strong> {{.TotalMentions}}</p>
        {{range $sentiment, $count := .BySentiment}}
            <p><strong>{{$sentiment | title}} Mentions:</strong> {{$count}}</p>
        {{end}}
        {{range $state, $count := .ByState}}
            <p><strong>{{$state}}:</strong> {{$count}}</p>
        {{end}}
    </div>

    {{if .Pending}}
    <h2>Awaiting Decision</h2>
    {{range $index, $mention := .Pending}}
        {{if lt $index 10}}
        <div class="mention">
            <a href="{{$mention.Permalink}}" target="_blank">{{$mention.Location}}</a>
            <div class="mention-meta">By {{$mention.Author}} | {{$mention.CreatedAt.Format "Jan 2, 2006"}}</div>
            <p>{{$mention.Body | truncate 200}}</p>
        </div>
        {{end}}
    {{end}}
    {{end}}

    {{if .Frozen}}
    <h2>Failed, Needs Attention</h2>
    {{range .Frozen}}
        <div class="mention">
            <a href="{{.Permalink}}" target="_blank">{{.Platform}}/{{.ItemID}}</a>
            <div class="mention-meta">Failed from {{.FailedFrom}} after {{.FailureCount}} attempts: {{.LastError}}</div>
        </div>
    {{end}}
    {{end}}

    <hr>
    <p><small>This report was generated automatically by the mentions responder.</small></p>
</body>
</html>
`

var (
	alertHTML = template.Must(template.New("alert").Parse(alertTemplate))

	reportHTML = template.Must(template.New("report").Funcs(template.FuncMap{
		"title":    func(v any) string { return titleCase(fmt.Sprint(v)) },
		"truncate": func(length int, s string) string { return truncate(s, length) },
	}).Parse(reportTemplate))
)

// RenderAlert builds the operator alert for a drafted mention
func RenderAlert(m *models.Mention, recipient, appURL string) (*models.Alert, error) {
	data := struct {
		Mention   *models.Mention
		ReviewURL string
	}{Mention: m, ReviewURL: reviewURL(appURL, m)}

	var buf bytes.Buffer
	if err := alertHTML.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render alert for %s: %w", m.Identity, err)
	}

	var text strings.Builder
	text.WriteString("Negative Comment Detected\n\n")
	text.WriteString(fmt.Sprintf("Location: %s\n", m.Location))
	text.WriteString(fmt.Sprintf("Author: %s\n", m.Author))
	text.WriteString(fmt.Sprintf("Comment: %s\n", m.Body))
	text.WriteString(fmt.Sprintf("Sentiment: %s (%.2f)\n", m.Sentiment, m.Confidence))
	text.WriteString(fmt.Sprintf("URL: %s\n\n", m.Permalink))
	text.WriteString("Proposed Response:\n")
	text.WriteString(m.DraftResponse + "\n")
	if data.ReviewURL != "" {
		text.WriteString(fmt.Sprintf("\nReview and approve: %s\n", data.ReviewURL))
	}

	return &models.Alert{
		Recipient: recipient,
		Subject:   fmt.Sprintf("Negative Comment Alert: %s", m.Location),
		HTMLBody:  buf.String(),
		TextBody:  text.String(),
		Mention:   m,
	}, nil
}

func reviewURL(appURL string, m *models.Mention) string {
	if appURL == "" || m == nil {
		return ""
	}
	return strings.TrimRight(appURL, "/") + "/mentions/" + url.PathEscape(m.Platform) + "/" + url.PathEscape(m.ItemID)
}

func buildReportHTML(report *models.Report) (string, error) {
	var buf bytes.Buffer
	if err := reportHTML.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString("Mentions Report\n")
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	text.WriteString("SUMMARY\n")
	text.WriteString("=======\n")
	text.WriteString(fmt.Sprintf("Total Mentions: %d\n", report.TotalMentions))
	for sentiment, count := range report.BySentiment {
		text.WriteString(fmt.Sprintf("%s Mentions: %d\n", titleCase(string(sentiment)), count))
	}
	for state, count := range report.ByState {
		text.WriteString(fmt.Sprintf("%s: %d\n", state, count))
	}

	if len(report.Pending) > 0 {
		text.WriteString("\nAWAITING DECISION\n")
		text.WriteString("=================\n")
		for i, m := range report.Pending {
			if i == 10 {
				break
			}
			text.WriteString(fmt.Sprintf("\n%d. %s by %s\n", i+1, m.Location, m.Author))
			text.WriteString(fmt.Sprintf("   URL: %s\n", m.Permalink))
			text.WriteString(fmt.Sprintf("   Content: %s\n", truncate(m.Body, 200)))
		}
	}

	if len(report.Frozen) > 0 {
		text.WriteString("\nFAILED, NEEDS ATTENTION\n")
		text.WriteString("=======================\n")
		for _, m := range report.Frozen {
			text.WriteString(fmt.Sprintf("- %s failed from %s: %s\n", m.Identity, m.FailedFrom, m.LastError))
		}
	}

	text.WriteString("\n---\nThis report was generated automatically by the mentions responder.\n")
	return text.String()
}
