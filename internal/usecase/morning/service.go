package morning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
)

// ErrAlreadySent возвращается, если утренний пост на эту дату уже существует.
var ErrAlreadySent = errors.New("утренний пост на эту дату уже отправлен")

const trophyText = "Вот это настрой! Держи трофей 🏆 Хорошего дня 🐸"

var fallbackGreeting = "Доброе утро! 🐸 Новый день — чистый лист."

var fallbackTask = "Назови одну маленькую вещь, которую ты сегодня сделаешь для себя."

// Service управляет утренними постами: один пост в день, один ожидаемый отклик.
type Service struct {
	users  domain.UserRepo
	posts  domain.MorningPostRepo
	links  domain.MessageLinkRepo
	engage domain.EngagementRepo
	gen    domain.Generator
	fanout *delivery.Service
	sender domain.Sender
	log    zerolog.Logger
}

// NewService создаёт сервис утренних постов.
func NewService(
	users domain.UserRepo,
	posts domain.MorningPostRepo,
	links domain.MessageLinkRepo,
	engage domain.EngagementRepo,
	gen domain.Generator,
	fanout *delivery.Service,
	sender domain.Sender,
	log zerolog.Logger,
) *Service {
	return &Service{users: users, posts: posts, links: links, engage: engage, gen: gen, fanout: fanout, sender: sender, log: log}
}

// CreateAndSend генерирует утренний пост и доставляет его.
// Повторный вызов за ту же дату не создаёт второй пост.
func (s *Service) CreateAndSend(ctx context.Context, user domain.User, date time.Time) (domain.MorningPost, error) {
	greeting, task := s.generate(ctx, user)

	res := s.fanout.Deliver(ctx, user, greeting+"\n\n"+task, delivery.Options{})
	if res.Sent() == 0 {
		if res.ChannelErr != nil || res.DMErr != nil {
			return domain.MorningPost{}, fmt.Errorf("доставка утреннего поста: channel=%v dm=%v", res.ChannelErr, res.DMErr)
		}
		return domain.MorningPost{}, nil
	}

	post, created, err := s.posts.Create(domain.MorningPost{
		UserID:       user.ID,
		ChannelMsgID: res.AnchorMsgID(),
		Step:         domain.MorningWaitingResponse,
		Greeting:     greeting,
		Task:         task,
		Date:         date.Truncate(24 * time.Hour),
	})
	if err != nil {
		return domain.MorningPost{}, fmt.Errorf("сохранение утреннего поста: %w", err)
	}
	if !created {
		return post, ErrAlreadySent
	}

	metrics.IncPostSent(string(domain.PostKindMorning))
	s.recordEngagement(ctx, domain.EngagementPostSent, user.ID, post.ID, map[string]any{"kind": "morning"})
	return post, nil
}

// HandleResponse закрывает утренний пост по первому отклику пользователя
// и выдаёт трофей. Повторные отклики ничего не меняют.
func (s *Service) HandleResponse(ctx context.Context, post domain.MorningPost, user domain.User, link domain.MessageLink) error {
	if link.Processed || post.Step == domain.MorningDone {
		return s.links.MarkProcessed(link.ID)
	}

	if err := s.posts.Complete(post.ID, true); err != nil {
		return fmt.Errorf("закрытие утреннего поста: %w", err)
	}
	if err := s.links.MarkProcessed(link.ID); err != nil {
		return fmt.Errorf("отметка сообщения: %w", err)
	}

	reply := trophyText
	if generated, err := s.gen.Generate(ctx, replyPrompt(user, link.Text)); err == nil && !domain.IsGenerationFailed(generated) {
		reply = generated + "\n\n" + trophyText
	}
	if _, err := s.sender.Send(ctx, domain.OutgoingMessage{ChatID: link.ChatID, ReplyTo: link.MessageID, Text: reply}); err != nil {
		s.log.Error().Err(err).Int64("post", post.ID).Msg("не удалось отправить трофей")
	}
	return nil
}

func (s *Service) generate(ctx context.Context, user domain.User) (greeting, task string) {
	greeting, task = fallbackGreeting, fallbackTask
	raw, err := s.gen.Generate(ctx, morningPrompt(user))
	if err != nil || domain.IsGenerationFailed(raw) {
		s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("генерация утреннего поста не удалась, используем запасной текст")
		return greeting, task
	}
	// первая строка — приветствие, остальное — задание
	parts := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	if len(parts) == 2 && strings.TrimSpace(parts[0]) != "" && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return greeting, task
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

func morningPrompt(user domain.User) string {
	var b strings.Builder
	b.WriteString("Сгенерируй утренний пост психологической поддержки из двух частей.\n")
	b.WriteString("Первая строка — короткое тёплое приветствие, вторая строка — одно маленькое задание на день.\n")
	b.WriteString("Ровно две строки, без нумерации и заголовков.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	if user.Request != "" {
		fmt.Fprintf(&b, "Запрос пользователя к боту: %s.\n", user.Request)
	}
	return b.String()
}

func replyPrompt(user domain.User, text string) string {
	var b strings.Builder
	b.WriteString("Пользователь откликнулся на утреннее задание. Похвали его коротко, одним-двумя предложениями.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	fmt.Fprintf(&b, "Сообщение пользователя: %s", text)
	return b.String()
}
