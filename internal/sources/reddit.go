package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
)

const (
	redditAuthURL = "https://www.reddit.com/api/v1/access_token"
	redditAPIURL  = "https://oauth.reddit.com"
	redditWebURL  = "https://www.reddit.com"

	platformReddit = "reddit"
)

// RedditConfig holds the OAuth application and account used to read and reply
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string

	// Timeout bounds each HTTP request. Zero leaves only the caller's deadline.
	Timeout time.Duration
}

// RedditSource reads subreddit comments and posts replies through the Reddit API
type RedditSource struct {
	cfg      RedditConfig
	client   *resty.Client
	validate *validator.Validate
	authURL  string
	apiURL   string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// Ensure RedditSource implements Source
var _ Source = (*RedditSource)(nil)

type redditAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string        `json:"kind"`
			Data redditComment `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditComment struct {
	ID        string  `json:"id"`
	Body      string  `json:"body"`
	Author    string  `json:"author"`
	Subreddit string  `json:"subreddit"`
	Permalink string  `json:"permalink"`
	LinkTitle string  `json:"link_title"`
	Created   float64 `json:"created_utc"`
}

type redditCommentResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
	} `json:"json"`
}

// NewRedditSource creates a new Reddit source
func NewRedditSource(cfg RedditConfig) *RedditSource {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mentions-responder/1.0"
	}
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &RedditSource{
		cfg:      cfg,
		client:   client,
		validate: validator.New(),
		authURL:  redditAuthURL,
		apiURL:   redditAPIURL,
	}
}

// NewRedditSourceFromConfig creates a Reddit source from the service configuration
func NewRedditSourceFromConfig(cfg *config.Config) *RedditSource {
	return NewRedditSource(RedditConfig{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		Username:     cfg.RedditUsername,
		Password:     cfg.RedditPassword,
		UserAgent:    cfg.RedditUserAgent,
		Timeout:      cfg.AdapterTimeout,
	})
}

// WithEndpoints points the source at alternative auth and API hosts
func (r *RedditSource) WithEndpoints(authURL, apiURL string) *RedditSource {
	r.authURL = authURL
	r.apiURL = strings.TrimRight(apiURL, "/")
	return r
}

func (r *RedditSource) GetName() string {
	return platformReddit
}

func (r *RedditSource) IsEnabled() bool {
	return r.cfg.ClientID != "" && r.cfg.ClientSecret != ""
}

// CanPost reports whether a user account is configured for replies
func (r *RedditSource) CanPost() bool {
	return r.IsEnabled() && r.cfg.Username != "" && r.cfg.Password != ""
}

// Authenticate obtains a fresh access token. A password grant is used when
// an account is configured so the token can post replies.
func (r *RedditSource) Authenticate(ctx context.Context) error {
	if !r.IsEnabled() {
		return fmt.Errorf("reddit credentials missing: %w", models.ErrNotConfigured)
	}

	form := map[string]string{"grant_type": "client_credentials"}
	if r.cfg.Username != "" {
		form = map[string]string{
			"grant_type": "password",
			"username":   r.cfg.Username,
			"password":   r.cfg.Password,
		}
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", r.cfg.UserAgent).
		SetBasicAuth(r.cfg.ClientID, r.cfg.ClientSecret).
		SetFormData(form).
		Post(r.authURL)
	if err != nil {
		return transportError(ctx, "reddit authentication request", err, true)
	}
	if err := statusError("reddit authentication", resp); err != nil {
		return err
	}

	var authResp redditAuthResponse
	if err := json.Unmarshal(resp.Body(), &authResp); err != nil {
		return fmt.Errorf("reddit authentication response: %v: %w", err, models.ErrMalformedOutput)
	}
	if authResp.Error != "" || authResp.AccessToken == "" {
		return fmt.Errorf("reddit authentication rejected (%s): %w", authResp.Error, models.ErrAuth)
	}

	expiresIn := time.Duration(authResp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}

	r.mu.Lock()
	r.accessToken = authResp.AccessToken
	// refresh a minute early
	r.expiresAt = time.Now().Add(expiresIn - time.Minute)
	r.mu.Unlock()

	logrus.WithField("grant", form["grant_type"]).Debug("Authenticated with Reddit")
	return nil
}

func (r *RedditSource) token(ctx context.Context) (string, error) {
	r.mu.Lock()
	token, expiresAt := r.accessToken, r.expiresAt
	r.mu.Unlock()

	if token != "" && time.Now().Before(expiresAt) {
		return token, nil
	}
	if err := r.Authenticate(ctx); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accessToken, nil
}

func (r *RedditSource) invalidate() {
	r.mu.Lock()
	r.accessToken = ""
	r.mu.Unlock()
}

// call issues an authorized request, re-authenticating once on 401. When
// idempotent is false the request may have been applied even though it
// failed, and such failures also carry models.ErrOutcomeUnknown.
func (r *RedditSource) call(ctx context.Context, what string, idempotent bool, send func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := r.token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := send(r.client.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetHeader("User-Agent", r.cfg.UserAgent))
		if err != nil {
			return nil, transportError(ctx, what, err, idempotent)
		}

		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			r.invalidate()
			continue
		}
		if err := statusError(what, resp); err != nil {
			if !idempotent && resp.StatusCode() >= 500 {
				return nil, fmt.Errorf("%w: %w", err, models.ErrOutcomeUnknown)
			}
			return nil, err
		}
		return resp, nil
	}
}

// FetchRecent reads the newest comments of each subreddit and keeps those
// mentioning a term. One failing subreddit does not fail the fetch unless
// every subreddit fails or credentials are rejected.
func (r *RedditSource) FetchRecent(ctx context.Context, locations, terms []string, since time.Time) ([]models.RawItem, error) {
	if !r.IsEnabled() {
		return nil, fmt.Errorf("reddit credentials missing: %w", models.ErrNotConfigured)
	}

	var (
		items   []models.RawItem
		seen    = make(map[string]bool)
		lastErr error
		failed  int
	)

	for _, subreddit := range locations {
		comments, err := r.fetchSubreddit(ctx, subreddit)
		if err != nil {
			if errors.Is(err, models.ErrAuth) || errors.Is(err, models.ErrNotConfigured) || ctx.Err() != nil {
				return nil, err
			}
			logrus.WithField("subreddit", subreddit).Errorf("Failed to fetch comments: %v", err)
			lastErr = err
			failed++
			continue
		}

		for _, c := range comments {
			item, ok := r.toRawItem(c, terms, since)
			if !ok || seen[item.Identity.ItemID] {
				continue
			}
			seen[item.Identity.ItemID] = true
			items = append(items, item)
		}
	}

	if len(locations) > 0 && failed == len(locations) {
		return nil, fmt.Errorf("all %d subreddits failed: %w: %w", failed, models.ErrFetch, lastErr)
	}

	logrus.WithFields(logrus.Fields{
		"subreddits": len(locations),
		"items":      len(items),
	}).Debug("Fetched Reddit comments")
	return items, nil
}

func (r *RedditSource) fetchSubreddit(ctx context.Context, subreddit string) ([]redditComment, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments?limit=100&raw_json=1", r.apiURL, url.PathEscape(subreddit))

	resp, err := r.call(ctx, "reddit r/"+subreddit, true, func(req *resty.Request) (*resty.Response, error) {
		return req.Get(endpoint)
	})
	if err != nil {
		return nil, err
	}

	var listing redditListing
	if err := json.Unmarshal(resp.Body(), &listing); err != nil {
		return nil, fmt.Errorf("reddit r/%s listing: %v: %w", subreddit, err, models.ErrMalformedOutput)
	}

	comments := make([]redditComment, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "" && child.Kind != "t1" {
			continue
		}
		comments = append(comments, child.Data)
	}
	return comments, nil
}

// toRawItem converts a comment into a validated RawItem when it is recent
// enough and mentions one of terms.
func (r *RedditSource) toRawItem(c redditComment, terms []string, since time.Time) (models.RawItem, bool) {
	createdAt := time.Unix(int64(c.Created), 0).UTC()
	if createdAt.Before(since) {
		return models.RawItem{}, false
	}

	term := matchTerm(c.Body, terms)
	if term == "" {
		return models.RawItem{}, false
	}

	item := models.RawItem{
		Identity:    models.Identity{Platform: platformReddit, ItemID: c.ID},
		Location:    "r/" + c.Subreddit,
		Author:      c.Author,
		Body:        c.Body,
		CreatedAt:   createdAt,
		Permalink:   NormalizePermalink(c.Permalink),
		MatchedTerm: term,
	}
	if err := r.validate.Struct(item); err != nil {
		logrus.WithField("item_id", c.ID).Warnf("Skipping malformed Reddit comment: %v", err)
		return models.RawItem{}, false
	}
	return item, true
}

// Post replies to a comment
func (r *RedditSource) Post(ctx context.Context, target models.Identity, text string) error {
	if target.Platform != platformReddit {
		return fmt.Errorf("reddit cannot post to platform %q: %w", target.Platform, models.ErrPermanent)
	}
	if !r.CanPost() {
		return fmt.Errorf("reddit account credentials missing: %w", models.ErrNotConfigured)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("reddit reply text is empty: %w", models.ErrPermanent)
	}

	thingID := target.ItemID
	if !strings.HasPrefix(thingID, "t1_") {
		thingID = "t1_" + thingID
	}

	resp, err := r.call(ctx, "reddit reply", false, func(req *resty.Request) (*resty.Response, error) {
		return req.SetFormData(map[string]string{
			"api_type": "json",
			"thing_id": thingID,
			"text":     text,
		}).Post(r.apiURL + "/api/comment")
	})
	if err != nil {
		return err
	}

	var result redditCommentResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("reddit reply response: %v: %w: %w", err, models.ErrMalformedOutput, models.ErrOutcomeUnknown)
	}
	if len(result.JSON.Errors) > 0 {
		code := fmt.Sprint(result.JSON.Errors[0]...)
		if len(result.JSON.Errors[0]) > 0 && fmt.Sprint(result.JSON.Errors[0][0]) == "RATELIMIT" {
			return fmt.Errorf("reddit reply: %s: %w", code, models.ErrRateLimited)
		}
		return fmt.Errorf("reddit reply rejected: %s: %w", code, models.ErrPermanent)
	}

	logrus.WithFields(logrus.Fields{
		"platform": target.Platform,
		"item_id":  target.ItemID,
	}).Info("Posted reply to Reddit")
	return nil
}

// NormalizePermalink turns a site-relative Reddit permalink into an absolute URL
func NormalizePermalink(permalink string) string {
	if permalink == "" || strings.HasPrefix(permalink, "http://") || strings.HasPrefix(permalink, "https://") {
		return permalink
	}
	if !strings.HasPrefix(permalink, "/") {
		permalink = "/" + permalink
	}
	return redditWebURL + permalink
}

func matchTerm(body string, terms []string) string {
	content := strings.ToLower(body)
	for _, term := range terms {
		if term != "" && strings.Contains(content, strings.ToLower(term)) {
			return term
		}
	}
	return ""
}

func statusError(what string, resp *resty.Response) error {
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s returned status %d: %w", what, status, models.ErrAuth)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s returned status %d: %w", what, status, models.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%s returned status %d: %w", what, status, models.ErrTransient)
	default:
		return fmt.Errorf("%s returned status %d: %s: %w", what, status, truncateBody(resp.Body()), models.ErrPermanent)
	}
}

// transportError classifies a request that got no response. A timeout reads
// as context.DeadlineExceeded whichever deadline fired first.
func transportError(ctx context.Context, what string, err error, idempotent bool) error {
	var (
		cause  = models.ErrTransient
		netErr net.Error
	)
	switch {
	case ctx.Err() != nil:
		cause = ctx.Err()
	case errors.As(err, &netErr) && netErr.Timeout():
		cause = context.DeadlineExceeded
	}

	if !idempotent {
		return fmt.Errorf("%s: %v: %w: %w", what, err, cause, models.ErrOutcomeUnknown)
	}
	return fmt.Errorf("%s: %v: %w", what, err, cause)
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
