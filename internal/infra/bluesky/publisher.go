// internal/infra/bluesky/publisher.go
package bluesky

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/infra/config"
)

// MaxLength is the Bluesky post limit in code points.
const MaxLength = 300

const (
	postCollection = "app.bsky.feed.post"
	requestTimeout = 30 * time.Second
)

// Publisher creates app.bsky.feed.post records on a PDS. The session is
// created on first use and refreshed once when the access token expires.
type Publisher struct {
	creds  config.BlueskyCredentials
	http   *http.Client
	logger *logrus.Entry

	mu     sync.Mutex
	client *xrpc.Client
}

func NewPublisher(creds config.BlueskyCredentials, logger *logrus.Entry) *Publisher {
	if creds.PDSHost == "" {
		creds.PDSHost = "https://bsky.social"
	}
	creds.PDSHost = strings.TrimRight(creds.PDSHost, "/")
	return &Publisher{
		creds:  creds,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

func (p *Publisher) Name() string   { return config.PlatformBluesky }
func (p *Publisher) MaxLength() int { return MaxLength }

// Publish returns the at:// URI of the created record.
func (p *Publisher) Publish(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, err := p.session(ctx)
	if err != nil {
		return "", err
	}

	uri, err := p.createPost(ctx, client, text)
	if err != nil && errorName(err) == "ExpiredToken" {
		p.logger.Debug("Access token expired, refreshing session")
		if rerr := p.refresh(ctx); rerr != nil {
			return "", rerr
		}
		uri, err = p.createPost(ctx, p.client, text)
	}
	if err != nil {
		return "", classify(errors.Wrap(err, "failed to create post"))
	}
	return uri, nil
}

func (p *Publisher) createPost(ctx context.Context, client *xrpc.Client, text string) (string, error) {
	resp, err := comatproto.RepoCreateRecord(ctx, client, &comatproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       client.Auth.Did,
		Record: &util.LexiconTypeDecoder{Val: &appbsky.FeedPost{
			Text:      text,
			CreatedAt: time.Now().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return "", err
	}
	p.logger.WithFields(logrus.Fields{"uri": resp.Uri, "cid": resp.Cid}).Debug("Post record created")
	return resp.Uri, nil
}

func (p *Publisher) session(ctx context.Context) (*xrpc.Client, error) {
	if p.client != nil {
		return p.client, nil
	}

	client := &xrpc.Client{Client: p.http, Host: p.creds.PDSHost}
	out, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: p.creds.Identifier,
		Password:   p.creds.AppPassword,
	})
	if err != nil {
		return nil, classify(errors.Wrapf(err, "failed to create session with PDS %s for %s", p.creds.PDSHost, p.creds.Identifier))
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	p.client = client
	return client, nil
}

func (p *Publisher) refresh(ctx context.Context) error {
	refreshClient := &xrpc.Client{
		Client: p.http,
		Host:   p.client.Host,
		Auth:   &xrpc.AuthInfo{AccessJwt: p.client.Auth.RefreshJwt},
	}
	out, err := comatproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		// next attempt starts from a fresh login
		p.client = nil
		return classify(errors.Wrapf(err, "failed to refresh session at %s", refreshClient.Host))
	}

	p.client.Auth.AccessJwt = out.AccessJwt
	p.client.Auth.RefreshJwt = out.RefreshJwt
	p.client.Auth.Handle = out.Handle
	p.client.Auth.Did = out.Did
	return nil
}

// errorName returns the lexicon error name ("ExpiredToken", ...) when the
// PDS sent one.
func errorName(err error) string {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return ""
	}
	if inner, ok := xerr.Wrapped.(*xrpc.XRPCError); ok {
		return inner.ErrStr
	}
	return ""
}

func classify(err error) error {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return errors.Mark(err, post.ErrTransient)
		}
		return err
	}

	switch name := errorName(err); {
	case xerr.StatusCode == http.StatusUnauthorized,
		name == "AuthenticationRequired", name == "InvalidToken", name == "ExpiredToken", name == "AccountTakedown":
		return errors.WithHint(errors.Mark(err, post.ErrAuth), "check BSKY_IDENTIFIER and BSKY_APP_PASSWORD")
	case xerr.StatusCode == http.StatusForbidden:
		return errors.Mark(err, post.ErrPermission)
	case xerr.StatusCode == http.StatusTooManyRequests, xerr.StatusCode >= 500:
		return errors.Mark(err, post.ErrTransient)
	default:
		return err
	}
}
