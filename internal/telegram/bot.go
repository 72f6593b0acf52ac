package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultAPIBase is the public Bot API endpoint
const DefaultAPIBase = "https://api.telegram.org"

// ErrCooldown is returned when a send is attempted before the cooldown elapsed
var ErrCooldown = errors.New("cooldown period not yet elapsed")

// Bot handles Telegram bot operations
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	enabled    bool

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
	APIBase         string // Defaults to DefaultAPIBase
}

// NewBot creates a new Telegram bot instance
func NewBot(config Config) *Bot {
	cooldownPeriod := time.Duration(config.CooldownSeconds) * time.Second
	if config.CooldownSeconds == 0 {
		cooldownPeriod = 30 * time.Second // Default 30 seconds cooldown
	}
	apiBase := strings.TrimRight(config.APIBase, "/")
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}

	return &Bot{
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		apiBase:         apiBase,
		enabled:         config.Enabled,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
	}
}

// IsEnabled returns whether the bot is enabled
func (tb *Bot) IsEnabled() bool {
	return tb.enabled && tb.botToken != "" && tb.chatID != ""
}

// SendMessage sends an HTML text message
func (tb *Bot) SendMessage(ctx context.Context, message string) error {
	if !tb.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}
	if !tb.acquire("message") {
		return fmt.Errorf("message: %w", ErrCooldown)
	}

	payload := map[string]any{
		"chat_id":    tb.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	return tb.sendRequest(ctx, "sendMessage", payload)
}

// SendPhoto sends a JPEG with an optional HTML caption
func (tb *Bot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	if !tb.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}
	if !tb.acquire("photo") {
		return fmt.Errorf("photo: %w", ErrCooldown)
	}
	return tb.sendPhoto(ctx, photoData, caption)
}

// sendPhoto sends a photo using multipart form data
func (tb *Bot) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", tb.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "counting_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	return tb.handleResponse(resp)
}

// sendRequest sends a JSON request to the Bot API
func (tb *Bot) sendRequest(ctx context.Context, method string, payload map[string]any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(method), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return tb.handleResponse(resp)
}

func (tb *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, tb.botToken, method)
}

// handleResponse checks the Bot API envelope: {"ok": bool, "error_code": n, "description": "..."}
func (tb *Bot) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("telegram API returned invalid JSON (HTTP %d)", resp.StatusCode)
	}

	res := gjson.ParseBytes(body)
	if !res.Get("ok").Bool() {
		return fmt.Errorf("telegram API error %d: %s", res.Get("error_code").Int(), res.Get("description").String())
	}
	return nil
}

// acquire checks and records the cooldown for an action type
func (tb *Bot) acquire(actionType string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if last, ok := tb.cooldownTracker[actionType]; ok && now.Sub(last) < tb.cooldownPeriod {
		return false
	}
	tb.cooldownTracker[actionType] = now
	return true
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if config.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}
	return nil
}
