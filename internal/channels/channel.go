package channels

import (
	"context"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotAPI is the slice of the Telegram client the adapter actually uses.
// *tgbotapi.BotAPI satisfies it; tests substitute a fake.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Dispatcher hands approved tasks to the connection layer and relays cancel
// requests to running agents. Satisfied by the WebSocket gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
	RequestCancel(ctx context.Context, taskID string) (bool, error)
}

// toMessageEntities converts rune-offset entities into the platform's
// UTF-16-offset form for the given page text.
func toMessageEntities(text string, entities []Entity) []tgbotapi.MessageEntity {
	if len(entities) == 0 {
		return nil
	}
	runes := []rune(text)
	cum := make([]int, len(runes)+1)
	for i, r := range runes {
		w := 1
		if utf16.RuneLen(r) == 2 {
			w = 2
		}
		cum[i+1] = cum[i] + w
	}

	out := make([]tgbotapi.MessageEntity, 0, len(entities))
	for _, e := range entities {
		if e.Offset < 0 || e.Offset+e.Length > len(runes) {
			continue
		}
		out = append(out, tgbotapi.MessageEntity{
			Type:     string(e.Type),
			Offset:   cum[e.Offset],
			Length:   cum[e.Offset+e.Length] - cum[e.Offset],
			Language: e.Language,
		})
	}
	return out
}
