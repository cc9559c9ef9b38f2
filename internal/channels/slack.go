package channels

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// DefaultSlackAPIBase is the public Web API root.
const DefaultSlackAPIBase = "https://slack.com/api/"

// SlackSender posts wake messages to Slack channels. Targets are channel
// ids (C…) or user ids for direct messages.
type SlackSender struct {
	client *slack.Client
}

// NewSlackSender creates a sender. apiBase overrides the Web API root for
// tests and proxies; empty selects DefaultSlackAPIBase.
func NewSlackSender(token, apiBase string, httpClient *http.Client) *SlackSender {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = DefaultSlackAPIBase
	}
	base = strings.TrimRight(base, "/") + "/"
	opts := []slack.Option{slack.OptionAPIURL(base)}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return &SlackSender{client: slack.New(token, opts...)}
}

func (s *SlackSender) Name() string {
	return "slack"
}

func (s *SlackSender) Send(ctx context.Context, target, message string) error {
	channelID := strings.TrimSpace(target)
	if channelID == "" {
		return errEmptyTarget
	}
	if _, _, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(message, false)); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
