package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

var markdownV2 = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

var levelTags = map[Level]string{
	LevelInfo:     "🔔",
	LevelWarning:  "⚠️",
	LevelCritical: "🚨",
}

// TelegramNotifier posts alerts to one chat through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

type sendMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// Send renders msg as MarkdownV2. Informational alerts are delivered silently.
func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendMessage{
		ChatID:              t.chatID,
		Text:                renderTelegram(msg),
		ParseMode:           "MarkdownV2",
		DisableNotification: msg.Level == LevelInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Description string `json:"description"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, apiErr.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func renderTelegram(msg Message) string {
	tag, ok := levelTags[msg.Level]
	if !ok {
		tag = levelTags[LevelInfo]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n", tag, markdownV2.Replace(msg.Title))
	for _, line := range strings.Split(msg.Body, "\n") {
		if strings.HasPrefix(line, "order ") {
			fmt.Fprintf(&b, "_%s_\n", markdownV2.Replace(line))
			continue
		}
		b.WriteString(markdownV2.Replace(line))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
