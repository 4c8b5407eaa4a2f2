package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

type chatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatAttachment struct {
	Color     string      `json:"color"`
	Title     string      `json:"title"`
	Text      string      `json:"text"`
	Fields    []chatField `json:"fields"`
	Footer    string      `json:"footer"`
	Timestamp int64       `json:"ts"`
}

type chatWebhookRequest struct {
	Username    string           `json:"username"`
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments"`
}

const (
	chatColorCritical = "#FF0000"
	chatColorDefault  = "#FFA500"

	chatUsername = "SchoolSignal"
)

// ChatSender posts Slack-compatible webhook payloads. The school's chat
// workspace routes them to the guardian's DM by recipient handle.
type ChatSender struct {
	webhookURL string
	client     *http.Client
}

func NewChatSender(webhookURL string) *ChatSender {
	return &ChatSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *ChatSender) Supports(channel string) bool {
	return channel == types.ChannelChat
}

func (s *ChatSender) Send(ctx context.Context, msg Message) error {
	if s.webhookURL == "" || msg.Recipient.ChatID == "" {
		return fmt.Errorf("%w: chat not configured for recipient %d", types.ErrChannelUnavailable, msg.Recipient.ID)
	}

	payload := chatWebhookRequest{
		Username: chatUsername,
		Text:     fmt.Sprintf("<@%s> %s", msg.Recipient.ChatID, msg.Subject),
		Attachments: []chatAttachment{
			{
				Color:     chatColorDefault,
				Title:     msg.Subject,
				Text:      msg.Body,
				Footer:    "SchoolSignal",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}

	return nil
}
