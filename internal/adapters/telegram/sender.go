package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// Sender отправляет сообщения через Bot API с ограниченными ретраями.
// Ретраи — повторы одной и той же логической отправки: после первого
// успеха новых видимых пользователю сообщений не появляется.
type Sender struct {
	bot         *tgbotapi.BotAPI
	log         zerolog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// NewSender создаёт транспорт.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger, maxAttempts int, retryDelay time.Duration) *Sender {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 1500 * time.Millisecond
	}
	return &Sender{bot: bot, log: log, maxAttempts: maxAttempts, retryDelay: retryDelay}
}

var _ domain.Sender = (*Sender)(nil)

// Send отправляет текст или фото. Возвращает id отправленного сообщения.
// Длинные тексты режутся по лимиту Telegram; id возвращается по первой части.
func (s *Sender) Send(ctx context.Context, msg domain.OutgoingMessage) (int64, error) {
	if len(msg.Photo) > 0 {
		return s.sendPhoto(ctx, msg)
	}
	return s.sendText(ctx, msg)
}

func (s *Sender) sendText(ctx context.Context, msg domain.OutgoingMessage) (int64, error) {
	parts := SplitMessage(msg.Text)
	if len(parts) == 0 {
		return 0, fmt.Errorf("telegram: пустое сообщение")
	}
	var firstID int64
	for i, part := range parts {
		out := tgbotapi.NewMessage(msg.ChatID, part)
		if target := replyTarget(msg); target != 0 {
			out.ReplyToMessageID = int(target)
		}
		if i == 0 && len(msg.Keyboard) > 0 {
			markup := buildKeyboard(msg.Keyboard)
			out.ReplyMarkup = &markup
		}
		sent, err := s.request(ctx, "send_message", msg.ChatID, func() (tgbotapi.Message, error) {
			return s.bot.Send(out)
		})
		if err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = int64(sent.MessageID)
		}
	}
	return firstID, nil
}

func (s *Sender) sendPhoto(ctx context.Context, msg domain.OutgoingMessage) (int64, error) {
	file := tgbotapi.FileBytes{Name: "post.png", Bytes: msg.Photo}
	out := tgbotapi.NewPhoto(msg.ChatID, file)
	out.Caption = msg.Text
	if target := replyTarget(msg); target != 0 {
		out.ReplyToMessageID = int(target)
	}
	if len(msg.Keyboard) > 0 {
		markup := buildKeyboard(msg.Keyboard)
		out.ReplyMarkup = &markup
	}
	sent, err := s.request(ctx, "send_photo", msg.ChatID, func() (tgbotapi.Message, error) {
		return s.bot.Send(out)
	})
	if err != nil {
		return 0, err
	}
	return int64(sent.MessageID), nil
}

// Edit меняет текст и клавиатуру существующего сообщения.
func (s *Sender) Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]domain.Button) error {
	edit := tgbotapi.NewEditMessageText(chatID, int(messageID), text)
	if len(keyboard) > 0 {
		markup := buildKeyboard(keyboard)
		edit.ReplyMarkup = &markup
	}
	_, err := s.request(ctx, "edit_message", chatID, func() (tgbotapi.Message, error) {
		return s.bot.Send(edit)
	})
	return err
}

// Delete удаляет сообщение.
func (s *Sender) Delete(ctx context.Context, chatID, messageID int64) error {
	del := tgbotapi.NewDeleteMessage(chatID, int(messageID))
	_, err := s.request(ctx, "delete_message", chatID, func() (tgbotapi.Message, error) {
		_, reqErr := s.bot.Request(del)
		return tgbotapi.Message{}, reqErr
	})
	return err
}

func (s *Sender) request(ctx context.Context, operation string, chatID int64, call func() (tgbotapi.Message, error)) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return tgbotapi.Message{}, err
		}
		start := time.Now()
		sent, err := call()
		metrics.ObserveNetworkRequest("telegram_bot", operation, strconv.FormatInt(chatID, 10), start, err)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int64("chat", chatID).Str("op", operation).Int("attempt", attempt).Msg("ошибка запроса к Telegram")
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	metrics.BotSendErrors.Inc()
	return tgbotapi.Message{}, fmt.Errorf("telegram %s: %w", operation, lastErr)
}

// replyTarget выбирает якорь ответа: явный reply-to важнее треда обсуждения.
func replyTarget(msg domain.OutgoingMessage) int64 {
	if msg.ReplyTo != 0 {
		return msg.ReplyTo
	}
	return msg.ThreadID
}

func buildKeyboard(rows [][]domain.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		out = append(out, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}
