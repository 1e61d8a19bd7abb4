package telegram

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/infra/config"
)

// MaxLength is the Bot API limit for a text message.
const MaxLength = 4096

const requestTimeout = 30 * time.Second

// channelName addresses a public channel by its @username.
type channelName string

func (c channelName) Recipient() string { return string(c) }

// ChannelPublisher implements post.Publisher by sending text messages to a
// channel the bot administers.
type ChannelPublisher struct {
	bot       *telebot.Bot
	recipient telebot.Recipient
	logger    *logrus.Entry
}

// NewChannelPublisher builds an offline bot: no getMe call is made, so bad
// tokens surface on the first send as an auth failure.
func NewChannelPublisher(creds config.TelegramCredentials, apiURL string, logger *logrus.Entry) (*ChannelPublisher, error) {
	recipient, err := parseRecipient(creds.Channel)
	if err != nil {
		return nil, err
	}

	b, err := telebot.NewBot(telebot.Settings{
		Token:   creds.Token,
		URL:     apiURL,
		Client:  &http.Client{Timeout: requestTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	return &ChannelPublisher{bot: b, recipient: recipient, logger: logger}, nil
}

func parseRecipient(channel string) (telebot.Recipient, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.Mark(errors.New("telegram channel is empty"), config.ErrConfig)
	}
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return telebot.ChatID(id), nil
	}
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return channelName(channel), nil
}

func (p *ChannelPublisher) Name() string   { return config.PlatformTelegram }
func (p *ChannelPublisher) MaxLength() int { return MaxLength }

// Publish sends text to the channel and returns the message id.
func (p *ChannelPublisher) Publish(ctx context.Context, text string) (string, error) {
	// telebot does not take a context; the client timeout bounds the call
	if err := ctx.Err(); err != nil {
		return "", errors.Mark(errors.Wrap(err, "run deadline reached before sending"), post.ErrTransient)
	}

	msg, err := p.bot.Send(p.recipient, text)
	if err != nil {
		return "", classify(errors.Wrapf(err, "failed to send message to %s", p.recipient.Recipient()))
	}

	id := strconv.Itoa(msg.ID)
	p.logger.WithField("message_id", id).Debug("Channel message sent")
	return id, nil
}

// telebot reports unknown API errors only as "telegram: <description> (<code>)".
var reErrorCode = regexp.MustCompile(`\((\d{3})\)$`)

func statusCode(err error) int {
	var apiErr *telebot.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var flood telebot.FloodError
	if errors.As(err, &flood) {
		return http.StatusTooManyRequests
	}
	var cur error = err
	for cur != nil {
		if m := reErrorCode.FindStringSubmatch(cur.Error()); m != nil {
			code, _ := strconv.Atoi(m[1])
			return code
		}
		cur = errors.UnwrapOnce(cur)
	}
	return 0
}

func classify(err error) error {
	switch {
	case errors.Is(err, telebot.ErrUnauthorized):
		return errors.WithHint(errors.Mark(err, post.ErrAuth), "check TELEGRAM_TOKEN")
	case errors.Is(err, telebot.ErrNoRightsToSend),
		errors.Is(err, telebot.ErrKickedFromChannel),
		errors.Is(err, telebot.ErrNotChannelMember),
		errors.Is(err, telebot.ErrChatNotFound):
		return errors.WithHint(errors.Mark(err, post.ErrPermission),
			"the bot must be an administrator of TELEGRAM_CHANNEL with permission to post")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errors.Mark(err, post.ErrTransient)
	}

	switch code := statusCode(err); {
	case code == http.StatusUnauthorized:
		return errors.Mark(err, post.ErrAuth)
	case code == http.StatusForbidden:
		return errors.Mark(err, post.ErrPermission)
	case code == http.StatusTooManyRequests, code >= 500:
		return errors.Mark(err, post.ErrTransient)
	default:
		return err
	}
}
