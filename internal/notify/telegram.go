package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	defaultTelegramTimeout = 5 * time.Second
	// telegramMessageLimit: ограничение Bot API на длину текста.
	telegramMessageLimit = 4096
)

// TelegramConfig: бот и чат операторов.
type TelegramConfig struct {
	BaseURL  string
	BotToken string
	ChatID   string
	Timeout  time.Duration
}

// TelegramAlerter отправляет сообщения операторам через Telegram Bot API.
type TelegramAlerter struct {
	cfg        TelegramConfig
	httpClient *http.Client
}

// NewTelegramAlerter создаёт алертер. Пустой BaseURL означает официальный API.
func NewTelegramAlerter(cfg TelegramConfig, httpClient *http.Client) *TelegramAlerter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTelegramTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &TelegramAlerter{cfg: cfg, httpClient: httpClient}
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (a *TelegramAlerter) Alert(ctx context.Context, message string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if r := []rune(message); len(r) > telegramMessageLimit {
		message = string(r[:telegramMessageLimit])
	}
	body, err := json.Marshal(telegramMessage{ChatID: a.cfg.ChatID, Text: message})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", a.cfg.BaseURL, a.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Ошибка url.Error содержит токен бота в адресе.
		return fmt.Errorf("%w: telegram request failed", domain.ErrNotificationFailed)
	}
	defer resp.Body.Close()

	var out telegramResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		return fmt.Errorf("%w: telegram status %d: %s", domain.ErrNotificationFailed, resp.StatusCode, out.Description)
	}
	return nil
}

var _ domain.OperatorAlerter = (*TelegramAlerter)(nil)
