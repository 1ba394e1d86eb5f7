package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kr8tiv/mission-control/pkg/types"
)

// TelegramSender posts alerts through the Telegram Bot API
type TelegramSender struct {
	apiURL     string
	botToken   string
	chatID     string
	logger     *zap.Logger
	httpClient *http.Client
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// NewTelegramSender creates a Telegram sender. An empty token or chat id disables it.
func NewTelegramSender(apiURL, botToken, chatID string, timeout time.Duration, logger *zap.Logger) *TelegramSender {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramSender{
		apiURL:     strings.TrimRight(apiURL, "/"),
		botToken:   botToken,
		chatID:     chatID,
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the sender has credentials
func (s *TelegramSender) Configured() bool {
	return s.botToken != "" && s.chatID != ""
}

// Send posts message via sendMessage. Delivery requires a 2xx answer with ok=true.
func (s *TelegramSender) Send(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error) {
	if !s.Configured() {
		return false, nil
	}

	payload, err := json.Marshal(telegramMessage{
		ChatID:                s.chatID,
		Text:                  message,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal telegram message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	var result telegramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("failed to decode telegram response: %w", err)
	}
	if !result.OK {
		return false, fmt.Errorf("telegram API rejected message: %s", result.Description)
	}

	s.logger.Info("Sent telegram recovery alert",
		zap.String("incident_id", incident.ID.String()),
		zap.String("chat_id", s.chatID))

	return true, nil
}
