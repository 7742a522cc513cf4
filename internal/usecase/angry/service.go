package angry

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

// ErrAlreadySent возвращается, если «злой» пост на эту дату уже существует.
var ErrAlreadySent = errors.New("злой пост на эту дату уже отправлен")

// ErrUserResponded возвращается, если пользователь сегодня уже откликался
// и эскалация не нужна.
var ErrUserResponded = errors.New("пользователь сегодня уже отвечал")

var fallbackText = "Ква! 🐸💢 Я весь день жду твоего ответа. Загляни в вечерний пост, я скучаю!"

// Service — эскалация для молчунов: без состояния, идемпотентна по дате.
type Service struct {
	users  domain.UserRepo
	angry  domain.AngryPostRepo
	posts  domain.InteractivePostRepo
	links  domain.MessageLinkRepo
	engage domain.EngagementRepo
	gen    domain.Generator
	fanout *delivery.Service
	log    zerolog.Logger
}

// NewService создаёт сервис «злых» постов.
func NewService(
	users domain.UserRepo,
	angry domain.AngryPostRepo,
	posts domain.InteractivePostRepo,
	links domain.MessageLinkRepo,
	engage domain.EngagementRepo,
	gen domain.Generator,
	fanout *delivery.Service,
	log zerolog.Logger,
) *Service {
	return &Service{users: users, angry: angry, posts: posts, links: links, engage: engage, gen: gen, fanout: fanout, log: log}
}

// MaybeSend отправляет эскалацию, если пользователь сегодня молчал.
// Существующая запись за дату подавляет повторную отправку.
func (s *Service) MaybeSend(ctx context.Context, user domain.User, date time.Time) (domain.AngryPost, error) {
	day := date.Truncate(24 * time.Hour)

	exists, err := s.angry.ExistsForDate(user.ID, day)
	if err != nil {
		return domain.AngryPost{}, fmt.Errorf("проверка злого поста: %w", err)
	}
	if exists {
		return domain.AngryPost{}, ErrAlreadySent
	}

	responded, err := s.respondedToday(user)
	if err != nil {
		return domain.AngryPost{}, err
	}
	if responded {
		return domain.AngryPost{}, ErrUserResponded
	}

	text := fallbackText
	if generated, genErr := s.gen.Generate(ctx, angryPrompt(user)); genErr == nil && !domain.IsGenerationFailed(generated) {
		text = generated
	} else {
		s.log.Warn().Err(genErr).Int64("user", user.TGUserID).Msg("генерация злого поста не удалась, используем запасной текст")
	}

	var photo []byte
	if img, imgErr := s.gen.GenerateImage(ctx, angryImagePrompt()); imgErr == nil {
		photo = img
	} else {
		s.log.Warn().Err(imgErr).Int64("user", user.TGUserID).Msg("картинка злого поста не сгенерировалась")
	}

	res := s.fanout.Deliver(ctx, user, text, delivery.Options{Photo: photo})
	if res.Sent() == 0 {
		if res.ChannelErr != nil || res.DMErr != nil {
			return domain.AngryPost{}, fmt.Errorf("доставка злого поста: channel=%v dm=%v", res.ChannelErr, res.DMErr)
		}
		return domain.AngryPost{}, nil
	}

	post, created, err := s.angry.Create(domain.AngryPost{
		UserID:       user.ID,
		ChannelMsgID: res.AnchorMsgID(),
	})
	if err != nil {
		return domain.AngryPost{}, fmt.Errorf("сохранение злого поста: %w", err)
	}
	if !created {
		return post, ErrAlreadySent
	}

	metrics.IncPostSent(string(domain.PostKindAngry))
	s.recordEngagement(ctx, user.ID, post.ID)
	return post, nil
}

// respondedToday проверяет, оставлял ли пользователь сегодня хоть одно
// сообщение по незавершённым постам.
func (s *Service) respondedToday(user domain.User) (bool, error) {
	incomplete, err := s.posts.ListIncomplete(user.ID)
	if err != nil {
		return false, fmt.Errorf("чтение незавершённых постов: %w", err)
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, post := range incomplete {
		if post.Task1Completed || post.Task2Completed || post.Task3Completed {
			return true, nil
		}
		link, err := s.links.LatestUserMessage(post.ID)
		if err != nil {
			continue
		}
		if link.ID != 0 && !link.CreatedAt.Before(today) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) recordEngagement(ctx context.Context, userID, postID int64) {
	if s.engage == nil {
		return
	}
	e := domain.EngagementEvent{Event: domain.EngagementAngrySent, UserID: &userID, PostID: &postID, OccurredAt: time.Now().UTC()}
	if err := s.engage.RecordEngagement(ctx, e); err != nil {
		s.log.Error().Err(err).Msg("не удалось записать событие")
	}
}

func angryPrompt(user domain.User) string {
	var b strings.Builder
	b.WriteString("Пользователь весь день не отвечает боту-лягушонку психологической поддержки.\n")
	b.WriteString("Сгенерируй короткое шутливо-сердитое сообщение от лягушонка (2-3 предложения), без настоящих упрёков и давления.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	return b.String()
}

func angryImagePrompt() string {
	return "Акварельная иллюстрация: маленький зелёный лягушонок с надутыми щеками, " +
		"шутливо сердится, скрестив лапки. Тёплые цвета, без текста на картинке."
}
