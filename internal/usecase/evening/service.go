package evening

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/calendar"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
)

// ErrAlreadySent возвращается, если вечерний пост на эту дату уже существует.
var ErrAlreadySent = errors.New("вечерний пост на эту дату уже отправлен")

// ErrPostNotFound возвращается, если кнопка ссылается на несуществующий пост.
var ErrPostNotFound = errors.New("пост не найден")

const snoozeDelay = time.Hour

// Service — машина состояний вечернего ритуала.
type Service struct {
	users    domain.UserRepo
	posts    domain.InteractivePostRepo
	links    domain.MessageLinkRepo
	engage   domain.EngagementRepo
	gen      domain.Generator
	cal      domain.Calendar
	fanout   *delivery.Service
	sender   domain.Sender
	sessions *session.Store
	log      zerolog.Logger
}

// NewService создаёт сервис вечернего ритуала.
func NewService(
	users domain.UserRepo,
	posts domain.InteractivePostRepo,
	links domain.MessageLinkRepo,
	engage domain.EngagementRepo,
	gen domain.Generator,
	cal domain.Calendar,
	fanout *delivery.Service,
	sender domain.Sender,
	sessions *session.Store,
	log zerolog.Logger,
) *Service {
	return &Service{
		users:    users,
		posts:    posts,
		links:    links,
		engage:   engage,
		gen:      gen,
		cal:      cal,
		fanout:   fanout,
		sender:   sender,
		sessions: sessions,
		log:      log,
	}
}

// CreateAndSend генерирует вечерний пост и доставляет его по правилам fan-out.
// Повторный вызов за ту же дату не создаёт второй пост.
func (s *Service) CreateAndSend(ctx context.Context, user domain.User, date time.Time) (domain.InteractivePost, error) {
	payload := s.generatePayload(ctx, user)
	relaxation := domain.RelaxationBreathing
	if rand.Intn(2) == 1 {
		relaxation = domain.RelaxationBody
	}

	var photo []byte
	img, err := s.gen.GenerateImage(ctx, imagePrompt(payload))
	if err != nil {
		// пост уходит и без картинки
		s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("не удалось сгенерировать картинку поста")
	} else {
		photo = img
	}

	res := s.fanout.Deliver(ctx, user, renderPost(payload), delivery.Options{
		Photo:    photo,
		Keyboard: [][]domain.Button{{{Label: "Пропустить схему", Data: "skip_schema:0"}}},
	})
	if res.Sent() == 0 {
		if res.ChannelErr != nil || res.DMErr != nil {
			return domain.InteractivePost{}, fmt.Errorf("доставка вечернего поста: channel=%v dm=%v", res.ChannelErr, res.DMErr)
		}
		// пользователь полностью замьючен — поста нет, и это не ошибка
		return domain.InteractivePost{}, nil
	}

	post, created, err := s.posts.Create(domain.InteractivePost{
		UserID:       user.ID,
		ChannelMsgID: res.AnchorMsgID(),
		Payload:      payload,
		Relaxation:   relaxation,
		Mode:         res.Mode(),
		Date:         date.Truncate(24 * time.Hour),
	})
	if err != nil {
		return domain.InteractivePost{}, fmt.Errorf("сохранение поста: %w", err)
	}
	if !created {
		return post, ErrAlreadySent
	}

	// кнопка и reply-to должны находить пост с любой доставленной копии,
	// поэтому каждая копия привязывается к нему записью в истории
	if res.ChannelErr == nil && res.ChannelMsgID != 0 {
		s.saveBotLink(res.ChannelMsgID, user.ChannelID, domain.RoleBotTask1, post.ID)
	}
	if res.DMErr == nil && res.DMMsgID != 0 {
		s.saveBotLink(res.DMMsgID, user.ChatID(), domain.RoleBotTask1, post.ID)
	}

	metrics.IncPostSent(string(domain.PostKindEvening))
	s.recordEngagement(ctx, domain.EngagementPostSent, user.ID, post.ID, map[string]any{"kind": "evening"})
	return post, nil
}

// HandleResponse продвигает сессию по свежему пользовательскому сообщению.
// Состояние каждый раз выводится из сохранённых флагов, а не из переменной в
// полёте: при гонке апдейтов это делает переход идемпотентным.
func (s *Service) HandleResponse(ctx context.Context, post domain.InteractivePost, user domain.User, link domain.MessageLink) error {
	if link.Processed {
		return nil
	}
	switch post.State() {
	case domain.StateWaitingNegative:
		return s.advanceToSchema(ctx, post, user, link)
	case domain.StateWaitingPositive:
		return s.advanceToPractice(ctx, post, user, link)
	case domain.StateWaitingPractice:
		// практику закрывает только кнопка; текст просто фиксируем
		return s.links.MarkProcessed(link.ID)
	case domain.StateFinished:
		return s.sendSupportive(ctx, user, link)
	}
	return nil
}

func (s *Service) advanceToSchema(ctx context.Context, post domain.InteractivePost, user domain.User, link domain.MessageLink) error {
	reply, err := s.gen.Generate(ctx, schemaReplyPrompt(user, link.Text))
	if err != nil || domain.IsGenerationFailed(reply) {
		return s.apologize(ctx, user, link, err)
	}

	if err := s.completeTask(ctx, post, user, 1); err != nil {
		return err
	}
	if err := s.links.MarkProcessed(link.ID); err != nil {
		return fmt.Errorf("отметка сообщения: %w", err)
	}

	msgID, sendErr := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:  link.ChatID,
		ReplyTo: link.MessageID,
		Text:    reply + "\n\n" + schemaText,
		Keyboard: [][]domain.Button{{
			{Label: "Пропустить схему", Data: fmt.Sprintf("skip_schema:%d", post.ID)},
		}},
	})
	if sendErr != nil {
		// состояние уже закоммичено; пользователь догонит по свипу
		s.log.Error().Err(sendErr).Int64("post", post.ID).Msg("не удалось отправить схему")
		return nil
	}
	s.saveBotLink(msgID, link.ChatID, domain.RoleBotSchema, post.ID)
	return nil
}

func (s *Service) advanceToPractice(ctx context.Context, post domain.InteractivePost, user domain.User, link domain.MessageLink) error {
	reply, err := s.gen.Generate(ctx, plushkiReplyPrompt(user, link.Text))
	if err != nil || domain.IsGenerationFailed(reply) {
		return s.apologize(ctx, user, link, err)
	}

	if err := s.completeTask(ctx, post, user, 2); err != nil {
		return err
	}
	if err := s.links.MarkProcessed(link.ID); err != nil {
		return fmt.Errorf("отметка сообщения: %w", err)
	}

	msgID, sendErr := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:  link.ChatID,
		ReplyTo: link.MessageID,
		Text:    reply + "\n\n" + renderPracticePrompt(post.Relaxation),
		Keyboard: [][]domain.Button{{
			{Label: "Сделал(а) 🙌", Data: fmt.Sprintf("practice_done:%d", post.ID)},
			{Label: "Отложить на час", Data: fmt.Sprintf("practice_snooze:%d", post.ID)},
		}},
	})
	if sendErr != nil {
		s.log.Error().Err(sendErr).Int64("post", post.ID).Msg("не удалось отправить практику")
		return nil
	}
	s.saveBotLink(msgID, link.ChatID, domain.RoleBotPractice, post.ID)
	return nil
}

// HandleSkipSchema обрабатывает кнопку «пропустить схему»: первая задача
// закрывается, пользователь сразу получает приглашение к плюшкам.
func (s *Service) HandleSkipSchema(ctx context.Context, postID int64, chatID int64) error {
	post, err := s.posts.GetByID(postID)
	if err != nil {
		return ErrPostNotFound
	}
	if post.State() != domain.StateWaitingNegative {
		return nil
	}
	user, err := s.users.GetByID(post.UserID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if err := s.completeTask(ctx, post, user, 1); err != nil {
		return err
	}
	_, sendErr := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID: chatID,
		Text:   renderPlushkiPrompt(post.Payload),
	})
	if sendErr != nil {
		s.log.Error().Err(sendErr).Int64("post", post.ID).Msg("не удалось отправить плюшки")
	}
	return nil
}

// HandleDone закрывает практику по кнопке «сделал».
func (s *Service) HandleDone(ctx context.Context, postID int64, chatID int64) error {
	post, err := s.posts.GetByID(postID)
	if err != nil {
		return ErrPostNotFound
	}
	if post.State() != domain.StateWaitingPractice {
		return nil
	}
	user, err := s.users.GetByID(post.UserID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if err := s.completeTask(ctx, post, user, 3); err != nil {
		return err
	}
	if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: chatID, Text: finishedText}); err != nil {
		s.log.Error().Err(err).Int64("post", post.ID).Msg("не удалось отправить поздравление")
	}
	return nil
}

// HandleSnooze откладывает практику на час и взводит напоминание.
func (s *Service) HandleSnooze(ctx context.Context, postID int64, chatID int64) error {
	post, err := s.posts.GetByID(postID)
	if err != nil {
		return ErrPostNotFound
	}
	user, err := s.users.GetByID(post.UserID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	s.sessions.SetReminder(user.ID, snoozeDelay, func() {
		current, err := s.posts.GetByID(post.ID)
		if err != nil || current.State() != domain.StateWaitingPractice {
			return
		}
		if _, err := s.sender.Send(context.Background(), domain.OutgoingMessage{
			ChatID: chatID,
			Text:   renderPracticePrompt(current.Relaxation),
			Keyboard: [][]domain.Button{{
				{Label: "Сделал(а) 🙌", Data: fmt.Sprintf("practice_done:%d", current.ID)},
				{Label: "Отложить на час", Data: fmt.Sprintf("practice_snooze:%d", current.ID)},
			}},
		}); err != nil {
			s.log.Error().Err(err).Int64("post", current.ID).Msg("не удалось напомнить о практике")
		}
	})
	if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: chatID, Text: "Хорошо, напомню через час 🐸"}); err != nil {
		s.log.Error().Err(err).Int64("post", post.ID).Msg("не удалось подтвердить отсрочку")
	}
	return nil
}

// SweepUncompleted находит подвисшие сессии (например, после рестарта бота)
// и ровно один раз доигрывает переход по последнему сообщению пользователя.
func (s *Service) SweepUncompleted(ctx context.Context, olderThan time.Time) {
	stale, err := s.posts.ListStaleIncomplete(olderThan)
	if err != nil {
		s.log.Error().Err(err).Msg("свип: не удалось получить незавершённые посты")
		return
	}
	for _, post := range stale {
		link, err := s.links.LatestUserMessage(post.ID)
		if err != nil || link.Processed {
			continue
		}
		user, err := s.users.GetByID(post.UserID)
		if err != nil {
			s.log.Error().Err(err).Int64("post", post.ID).Msg("свип: пользователь не найден")
			continue
		}
		if err := s.HandleResponse(ctx, post, user, link); err != nil {
			s.log.Error().Err(err).Int64("post", post.ID).Msg("свип: переход не доигран")
		}
	}
}

func (s *Service) completeTask(ctx context.Context, post domain.InteractivePost, user domain.User, task int) error {
	if err := s.posts.SetTaskCompleted(post.ID, task); err != nil {
		return fmt.Errorf("закрытие задачи %d: %w", task, err)
	}
	metrics.IncTaskCompleted(fmt.Sprintf("task%d", task))
	s.recordEngagement(ctx, domain.EngagementTaskCompleted, user.ID, post.ID, map[string]any{"task": task})
	return nil
}

func (s *Service) sendSupportive(ctx context.Context, user domain.User, link domain.MessageLink) error {
	if err := s.links.MarkProcessed(link.ID); err != nil {
		return fmt.Errorf("отметка сообщения: %w", err)
	}
	reply := supportiveReplies[rand.Intn(len(supportiveReplies))]
	if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: link.ChatID, ReplyTo: link.MessageID, Text: reply}); err != nil {
		s.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось отправить поддержку")
	}
	return nil
}

// apologize — генерация не удалась: флаги не трогаем, следующий ответ
// пользователя повторит тот же переход.
func (s *Service) apologize(ctx context.Context, user domain.User, link domain.MessageLink, cause error) error {
	s.log.Warn().Err(cause).Int64("user", user.TGUserID).Int64("msg", link.MessageID).Msg("генерация не удалась, шаг не продвинут")
	if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: link.ChatID, Text: apologyText}); err != nil {
		s.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось отправить извинение")
	}
	return nil
}

func (s *Service) saveBotLink(msgID, chatID int64, role domain.MessageRole, postID int64) {
	if msgID == 0 {
		return
	}
	if _, err := s.links.Save(domain.MessageLink{MessageID: msgID, ChatID: chatID, Role: role, PostID: postID, Processed: true}); err != nil {
		s.log.Error().Err(err).Int64("post", postID).Msg("не удалось сохранить связь сообщения")
	}
}

func (s *Service) recordEngagement(ctx context.Context, event string, userID, postID int64, meta map[string]any) {
	if s.engage == nil {
		return
	}
	e := domain.EngagementEvent{Event: event, UserID: &userID, PostID: &postID, Metadata: meta, OccurredAt: time.Now().UTC()}
	if err := s.engage.RecordEngagement(ctx, e); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("не удалось записать событие")
	}
}

func (s *Service) generatePayload(ctx context.Context, user domain.User) domain.PostPayload {
	busy := false
	if s.cal != nil {
		events, err := s.cal.EventsForUser(ctx, user.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("календарь недоступен")
		} else {
			busy = calendar.ProbablyBusy(events, time.Now())
		}
	}

	raw, err := s.gen.Generate(ctx, payloadPrompt(user, busy))
	if err != nil || domain.IsGenerationFailed(raw) {
		s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("генерация наполнения не удалась, используем запасной текст")
		return fallbackPayload()
	}
	var payload domain.PostPayload
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("ответ LLM не распарсился, используем запасной текст")
		return fallbackPayload()
	}
	if payload.Encouragement == "" || payload.NegativePrompt == "" {
		return fallbackPayload()
	}
	if payload.PositivePrompt == "" || payload.EmotionsPrompt == "" {
		fb := fallbackPayload()
		if payload.PositivePrompt == "" {
			payload.PositivePrompt = fb.PositivePrompt
		}
		if payload.EmotionsPrompt == "" {
			payload.EmotionsPrompt = fb.EmotionsPrompt
		}
	}
	return payload
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
