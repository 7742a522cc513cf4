package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// ErrResumeFailed возвращается, когда внешний движок не принял resume-вызов.
// Вызов не ретраится: таймаут — жёсткий отказ.
var ErrResumeFailed = errors.New("workflow-движок не принял resume")

const (
	waitKeyPrefix = "workflow:wait:"
	dataKeyPrefix = "workflow:data:"
)

// ResumePayload — тело POST на resume url внешнего движка.
// Идентификаторы передаются строками: движок не различает числовые типы.
type ResumePayload struct {
	ChatID       string `json:"chat_id"`
	UserID       string `json:"user_id"`
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
	MessageType  string `json:"message_type"`
	Timestamp    int64  `json:"timestamp"`
	StepName     string `json:"step_name"`
}

// Service реализует протокол register-wait/resume для внешнего
// workflow-движка. Сессии ожидания живут в кэше с TTL.
type Service struct {
	cache   domain.Cache
	sender  domain.Sender
	client  *http.Client
	waitTTL time.Duration
	log     zerolog.Logger
}

// NewService создаёт сервис workflow-протокола.
func NewService(cache domain.Cache, sender domain.Sender, resumeTimeout, waitTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		cache:   cache,
		sender:  sender,
		client:  &http.Client{Timeout: resumeTimeout},
		waitTTL: waitTTL,
		log:     log,
	}
}

// RegisterWait сохраняет сессию ожидания и отправляет сообщение шага.
func (s *Service) RegisterWait(ctx context.Context, chatID int64, resumeURL, stepName, message string, keyboard [][]domain.Button) error {
	sess := domain.WaitingSession{
		ChatID:    chatID,
		ResumeURL: resumeURL,
		StepName:  stepName,
		CreatedAt: time.Now().Unix(),
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("сериализация сессии ожидания: %w", err)
	}
	if err := s.cache.Set(waitKey(chatID), raw, s.waitTTL); err != nil {
		return fmt.Errorf("сохранение сессии ожидания: %w", err)
	}
	if message != "" {
		if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: chatID, Text: message, Keyboard: keyboard}); err != nil {
			return fmt.Errorf("отправка сообщения шага: %w", err)
		}
	}
	return nil
}

// StoreData сохраняет data-блоб движка рядом с сессией ожидания.
// Блоб живёт столько же, сколько сама сессия.
func (s *Service) StoreData(chatID int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.cache.Set(dataKey(chatID), data, s.waitTTL); err != nil {
		return fmt.Errorf("сохранение workflow-данных: %w", err)
	}
	return nil
}

// Data возвращает сохранённый data-блоб движка.
func (s *Service) Data(chatID int64) ([]byte, error) {
	return s.cache.Get(dataKey(chatID))
}

// SendMessage отправляет сообщение от имени движка и по флагу
// clearSession снимает сессию ожидания вместе с data-блобом.
func (s *Service) SendMessage(ctx context.Context, chatID int64, text string, keyboard [][]domain.Button, clearSession bool) error {
	if clearSession {
		if err := s.cache.Del(waitKey(chatID)); err != nil {
			s.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось снять сессию ожидания")
		}
		if err := s.cache.Del(dataKey(chatID)); err != nil {
			s.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось удалить workflow-данные")
		}
	}
	if text == "" {
		return nil
	}
	_, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: chatID, Text: text, Keyboard: keyboard})
	return err
}

// Waiting возвращает активную сессию ожидания для чата, если она есть.
func (s *Service) Waiting(chatID int64) (domain.WaitingSession, bool) {
	raw, err := s.cache.Get(waitKey(chatID))
	if err != nil {
		s.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось прочитать сессию ожидания")
		return domain.WaitingSession{}, false
	}
	if len(raw) == 0 {
		return domain.WaitingSession{}, false
	}
	var sess domain.WaitingSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.log.Error().Err(err).Int64("chat", chatID).Msg("сессия ожидания не распарсилась")
		return domain.WaitingSession{}, false
	}
	return sess, true
}

// Resume передаёт ответ пользователя внешнему движку и снимает сессию.
// Таймаут вызова ограничен клиентом; при отказе сессия остаётся,
// чтобы следующий ответ пользователя мог повторить попытку.
func (s *Service) Resume(ctx context.Context, sess domain.WaitingSession, userID int64, text, callbackData, messageType string) error {
	payload := ResumePayload{
		ChatID:       strconv.FormatInt(sess.ChatID, 10),
		UserID:       strconv.FormatInt(userID, 10),
		Text:         text,
		CallbackData: callbackData,
		MessageType:  messageType,
		Timestamp:    time.Now().Unix(),
		StepName:     sess.StepName,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("сериализация resume-запроса: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.ResumeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("resume-запрос: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	metrics.ObserveNetworkRequest("workflow", "resume", sess.ResumeURL, start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResumeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: статус %d", ErrResumeFailed, resp.StatusCode)
	}

	if err := s.cache.Del(waitKey(sess.ChatID)); err != nil {
		s.log.Error().Err(err).Int64("chat", sess.ChatID).Msg("не удалось снять сессию после resume")
	}
	return nil
}

func waitKey(chatID int64) string { return waitKeyPrefix + strconv.FormatInt(chatID, 10) }
func dataKey(chatID int64) string { return dataKeyPrefix + strconv.FormatInt(chatID, 10) }
