package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Discord delivers notifications to a webhook URL. The recipient passed to
// Send is the webhook URL itself, so each network can target its own
// channel.
type Discord struct {
	client *http.Client
	logger zerolog.Logger
}

func NewDiscord(logger zerolog.Logger) *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("channel", "discord").Logger(),
	}
}

// discordPayload is the webhook body. An embed renders better than plain
// content for multi-line alerts.
type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

func (d *Discord) Send(ctx context.Context, webhookURL, title, body string) error {
	if webhookURL == "" {
		return fmt.Errorf("discord: webhook not configured")
	}

	payload, err := json.Marshal(discordPayload{Embeds: []discordEmbed{{
		Title:       title,
		Description: body,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		return fmt.Errorf("discord: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord: webhook returned %d", resp.StatusCode)
	}

	d.logger.Debug().Msg("Discord notification sent")
	return nil
}
