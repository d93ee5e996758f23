package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/domain"
)

// Event is one notification-worthy occurrence: a channel closure the judge
// recommended, or an invariant violation surfaced by the daemon.
type Event struct {
	OccurredAt time.Time
	Kind       domain.ActionKind
	ChannelID  string
	PeerID     string
	Outcome    string
	Detail     string
}

// Notifier routes daemon events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier delivers events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram-backed Notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts event as a plain-text Telegram message.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram reported ok=false")
		}
	}

	n.logger.Info().Time("occurred_at", event.OccurredAt).
		Str("kind", string(event.Kind)).
		Str("channel_id", event.ChannelID).
		Msg("alert dispatched")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}
	switch event.Kind {
	case domain.ActionCloseChannel:
		builder.WriteString("[chand] channel close recommended\n")
	default:
		builder.WriteString("[chand] invariant error\n")
	}
	builder.WriteString(fmt.Sprintf("Occurred: %s UTC\n", event.OccurredAt.UTC().Format(time.RFC3339)))
	if event.ChannelID != "" {
		builder.WriteString(fmt.Sprintf("Channel: %s\n", event.ChannelID))
	}
	if event.PeerID != "" {
		builder.WriteString(fmt.Sprintf("Peer: %s\n", event.PeerID))
	}
	if event.Outcome != "" {
		builder.WriteString(fmt.Sprintf("Outcome: %s\n", event.Outcome))
	}
	if event.Detail != "" {
		builder.WriteString(event.Detail)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
