// internal/infra/twitter/client.go
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dghubble/oauth1"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/infra/config"
)

// MaxLength is the X post limit in code points.
const MaxLength = 280

const (
	codeDuplicateStatus = 187 // "Status is a duplicate."
	codeAccessLevel     = 453 // app plan lacks write access
)

// Publisher posts through the X API v2 with OAuth 1.0a user context.
type Publisher struct {
	httpClient *http.Client
	baseURL    string
	logger     *logrus.Entry
}

// NewPublisher builds a signed HTTP client from the four credentials.
func NewPublisher(creds config.TwitterCredentials, logger *logrus.Entry) *Publisher {
	cfg := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret)

	baseURL := strings.TrimRight(creds.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twitter.com"
	}
	return &Publisher{
		httpClient: cfg.Client(oauth1.NoContext, token),
		baseURL:    baseURL,
		logger:     logger,
	}
}

func (p *Publisher) Name() string   { return config.PlatformTwitter }
func (p *Publisher) MaxLength() int { return MaxLength }

type createTweetRequest struct {
	Text string `json:"text"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// apiError covers both error shapes the API returns: the v1.1 style
// errors array and the v2 problem document.
type apiError struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}

func (e apiError) hasCode(code int) bool {
	for _, item := range e.Errors {
		if item.Code == code {
			return true
		}
	}
	return false
}

func (e apiError) summary() string {
	if e.Detail != "" {
		return e.Detail
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%d: %s", item.Code, item.Message))
	}
	if len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	return e.Title
}

// Publish creates a post and returns its id.
func (p *Publisher) Publish(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(createTweetRequest{Text: text})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode tweet")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build tweet request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "tweet request failed"), post.ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to read tweet response"), post.ErrTransient)
	}

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var out createTweetResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", errors.Wrap(err, "failed to decode tweet response")
		}
		p.logger.WithField("tweet_id", out.Data.ID).Debug("Tweet created")
		return out.Data.ID, nil
	}

	return "", classify(resp.StatusCode, raw)
}

func classify(status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	err := errors.Newf("x api returned %d: %s", status, apiErr.summary())

	switch {
	case status == http.StatusUnauthorized:
		return errors.WithHint(errors.Mark(err, post.ErrAuth),
			"check TW_CONSUMER_KEY, TW_CONSUMER_SECRET, TW_ACCESS_TOKEN and TW_ACCESS_TOKEN_SECRET")
	case status == http.StatusForbidden && apiErr.hasCode(codeDuplicateStatus):
		return errors.Mark(err, post.ErrDuplicateContent)
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Detail), "duplicate content"):
		// v2 carries no code for duplicates, only the detail text
		return errors.Mark(err, post.ErrDuplicateContent)
	case status == http.StatusForbidden:
		if apiErr.hasCode(codeAccessLevel) {
			err = errors.WithHint(err, "the app needs a plan with Read and Write access")
		}
		return errors.Mark(err, post.ErrPermission)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Mark(err, post.ErrTransient)
	default:
		return err
	}
}
