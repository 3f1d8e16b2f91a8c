package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/austudio/internal/types"
)

const maxTelegramMessage = 4096

// Telegram pushes run summaries to a Telegram chat. Long-running generations
// finish while nobody is watching the studio; this tells the owner the run
// ended and how it went.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Handler returns the delivery handler for the registry.
func (t *Telegram) Handler() Handler {
	return func(summary Summary) error {
		return t.send(FormatSummary(summary))
	}
}

func (t *Telegram) send(text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				slog.Error("telegram send failed", "error", err)
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

// FormatSummary renders a run summary as a short human-readable message.
func FormatSummary(s Summary) string {
	switch s.RunState {
	case types.RunCompleted:
		return fmt.Sprintf("Run finished for %s: %d files generated.", s.SessionKey, s.Files)
	case types.RunCancelled:
		return fmt.Sprintf("Run cancelled for %s. %d files kept.", s.SessionKey, s.Files)
	case types.RunFailed:
		return fmt.Sprintf("Run failed for %s: %s (%d files kept)", s.SessionKey, s.Error, s.Files)
	default:
		return fmt.Sprintf("Run for %s ended in state %s.", s.SessionKey, s.RunState)
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
