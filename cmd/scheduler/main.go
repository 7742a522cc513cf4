package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/calendar"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/generator"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/repo"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/telegram"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/cache"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/config"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/db"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/log"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/openai"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/queue"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/evening"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
)

// scheduler дёргает ежеминутные и ежечасные задачи: постановку постов в
// очередь по локальному времени пользователей, досылку подвисших сессий и
// вечернюю эскалацию. Сами посты генерирует post-worker.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cacheAdapter := cache.NewRedis(redisClient)

	pg := repo.NewPostgres(pool)
	jobs := newPostQueue(cfg, redisClient, logger)
	eveningUC := newEveningService(cfg, pg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	s, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать планировщик")
	}

	staleAfter := time.Duration(cfg.Sweep.StaleAfterMin) * time.Minute

	_, err = s.NewJob(gocron.DurationJob(time.Minute), gocron.NewTask(func() {
		tick(ctx, logger, cacheAdapter, jobs, pg.Users)
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось зарегистрировать ежеминутную задачу")
	}

	_, err = s.NewJob(gocron.DurationJob(time.Hour), gocron.NewTask(func() {
		eveningUC.SweepUncompleted(ctx, time.Now().UTC().Add(-staleAfter))
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось зарегистрировать досылку")
	}

	_, err = s.NewJob(gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(21, 0, 0))),
		gocron.NewTask(func() {
			angrySweep(ctx, logger, cacheAdapter, jobs, pg, staleAfter)
		}))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось зарегистрировать эскалацию")
	}

	_, err = s.NewJob(gocron.WeeklyJob(1, gocron.NewWeekdays(time.Sunday), gocron.NewAtTimes(gocron.NewAtTime(12, 0, 0))),
		gocron.NewTask(func() {
			joySweep(ctx, logger, cacheAdapter, jobs, pg.Users)
		}))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось зарегистрировать пост радостей")
	}

	s.Start()
	logger.Info().Msg("scheduler запущен")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка scheduler")
	_ = s.Shutdown()
}

// tick ставит в очередь посты для пользователей, у которых наступило
// локальное время отправки. Redis-замок защищает от двойной постановки
// при нескольких экземплярах.
func tick(ctx context.Context, logger zerolog.Logger, guard domain.Cache, jobs domain.PostQueue, users domain.UserRepo) {
	now := time.Now().UTC()
	day := now.Format("2006-01-02")

	enqueue := func(kind domain.PostKind, list []domain.User, err error) {
		if err != nil {
			logger.Error().Err(err).Str("kind", string(kind)).Msg("scheduler: ошибка выборки пользователей")
			return
		}
		for _, user := range list {
			key := fmt.Sprintf("post:%s:%d:%s", kind, user.ID, day)
			err := guard.Once(key, 24*time.Hour, func() error {
				return jobs.Enqueue(ctx, domain.PostJob{
					ID:          uuid.NewString(),
					Kind:        kind,
					UserTGID:    user.TGUserID,
					ChatID:      user.ChatID(),
					Date:        now,
					RequestedAt: now,
					Cause:       domain.PostCauseScheduled,
				})
			})
			if err != nil {
				logger.Error().Err(err).Int64("user", user.TGUserID).Str("kind", string(kind)).
					Msg("scheduler: не удалось поставить пост в очередь")
			}
		}
	}

	eveningUsers, err := users.ListForEveningTime(now)
	enqueue(domain.PostKindEvening, eveningUsers, err)

	morningUsers, err := users.ListForMorningTime(now)
	enqueue(domain.PostKindMorning, morningUsers, err)
}

// angrySweep находит пользователей, промолчавших над вечерним постом,
// и ставит им эскалацию. Повторную отправку подавляет сам angry-сервис.
func angrySweep(ctx context.Context, logger zerolog.Logger, guard domain.Cache, jobs domain.PostQueue, pg *repo.Postgres, staleAfter time.Duration) {
	now := time.Now().UTC()
	stale, err := pg.Posts.ListStaleIncomplete(now.Add(-staleAfter))
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка выборки подвисших постов")
		return
	}
	day := now.Format("2006-01-02")
	for _, post := range stale {
		user, err := pg.Users.GetByID(post.UserID)
		if err != nil {
			logger.Error().Err(err).Int64("user_id", post.UserID).Msg("scheduler: пользователь не найден")
			continue
		}
		key := fmt.Sprintf("post:%s:%d:%s", domain.PostKindAngry, user.ID, day)
		err = guard.Once(key, 24*time.Hour, func() error {
			return jobs.Enqueue(ctx, domain.PostJob{
				ID:          uuid.NewString(),
				Kind:        domain.PostKindAngry,
				UserTGID:    user.TGUserID,
				ChatID:      user.ChatID(),
				Date:        now,
				RequestedAt: now,
				Cause:       domain.PostCauseScheduled,
			})
		})
		if err != nil {
			logger.Error().Err(err).Int64("user", user.TGUserID).Msg("scheduler: не удалось поставить эскалацию")
		}
	}
}

// joySweep ставит еженедельный пост радостей всем активным пользователям.
// Замок держится неделю: ключ включает ISO-номер недели.
func joySweep(ctx context.Context, logger zerolog.Logger, guard domain.Cache, jobs domain.PostQueue, users domain.UserRepo) {
	now := time.Now().UTC()
	list, err := users.ListActive()
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка выборки активных пользователей")
		return
	}
	year, week := now.ISOWeek()
	for _, user := range list {
		key := fmt.Sprintf("post:%s:%d:%d-%02d", domain.PostKindJoy, user.ID, year, week)
		err := guard.Once(key, 7*24*time.Hour, func() error {
			return jobs.Enqueue(ctx, domain.PostJob{
				ID:          uuid.NewString(),
				Kind:        domain.PostKindJoy,
				UserTGID:    user.TGUserID,
				ChatID:      user.ChatID(),
				Date:        now,
				RequestedAt: now,
				Cause:       domain.PostCauseScheduled,
			})
		})
		if err != nil {
			logger.Error().Err(err).Int64("user", user.TGUserID).Msg("scheduler: не удалось поставить пост радостей")
		}
	}
}

// newEveningService собирает вечерний сервис для досылки: досылка повторяет
// пропущенный переход и потому отправляет сообщения сама, минуя очередь.
func newEveningService(cfg config.AppConfig, pg *repo.Postgres, logger zerolog.Logger) *evening.Service {
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, logger, cfg.Telegram.MaxAttempts,
		time.Duration(cfg.Telegram.RetryDelay)*time.Millisecond)
	gen := newGenerator(cfg)
	cal := calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.Token)
	fanout := delivery.NewService(sender, logger)
	return evening.NewService(pg.Users, pg.Posts, pg.Links, pg.Engagements, gen, cal, fanout, sender, session.NewStore(), logger)
}

func newGenerator(cfg config.AppConfig) domain.Generator {
	if cfg.OpenAI.APIKey == "" {
		return generator.NewStub()
	}
	timeout := time.Duration(cfg.OpenAI.TimeoutSec) * time.Second
	client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, timeout)
	return generator.NewOpenAI(client, cfg.OpenAI.Model, cfg.OpenAI.ImageModel, timeout)
}

func newPostQueue(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) domain.PostQueue {
	if cfg.Queues.Backend == "rabbitmq" {
		q, err := queue.NewRabbitPostQueue(cfg.Queues.AMQPURL, cfg.Queues.ManagementURL, cfg.Queues.Posts)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось подключиться к RabbitMQ")
		}
		return q
	}
	return queue.NewRedisPostQueue(redisClient, cfg.Queues.Posts)
}
