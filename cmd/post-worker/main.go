package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/calendar"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/generator"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/repo"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/telegram"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/config"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/db"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/log"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/openai"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/queue"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/angry"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/evening"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/joy"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/morning"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
)

// post-worker разбирает очередь задач на посты: генерация с картинкой
// занимает десятки секунд, поэтому она вынесена из гейтвея и планировщика.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("post-worker: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("post-worker: не удалось создать бота")
	}

	pg := repo.NewPostgres(pool)
	sender := telegram.NewSender(botAPI, logger, cfg.Telegram.MaxAttempts,
		time.Duration(cfg.Telegram.RetryDelay)*time.Millisecond)
	gen := newGenerator(cfg)
	cal := calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.Token)
	fanout := delivery.NewService(sender, logger)
	jobs := newPostQueue(cfg, redisClient, logger)

	sessions := session.NewStore()
	w := &worker{
		log:       logger,
		users:     pg.Users,
		eveningUC: evening.NewService(pg.Users, pg.Posts, pg.Links, pg.Engagements, gen, cal, fanout, sender, sessions, logger),
		morningUC: morning.NewService(pg.Users, pg.Mornings, pg.Links, pg.Engagements, gen, fanout, sender, logger),
		angryUC:   angry.NewService(pg.Users, pg.Angries, pg.Posts, pg.Links, pg.Engagements, gen, fanout, logger),
		joyUC:     joy.NewService(pg.Joys, pg.Engagements, gen, sender, fanout, sessions, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		<-stop
		logger.Info().Msg("остановка post-worker")
		cancel()
	}()

	logger.Info().Msg("post-worker запущен")
	w.run(ctx, jobs)
}

type worker struct {
	log       zerolog.Logger
	users     domain.UserRepo
	eveningUC *evening.Service
	morningUC *morning.Service
	angryUC   *angry.Service
	joyUC     *joy.Service
}

func (w *worker) run(ctx context.Context, jobs domain.PostQueue) {
	for {
		job, ack, err := jobs.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("post-worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}
		if err := w.handle(ctx, job); err != nil {
			w.log.Error().Err(err).Str("job", job.ID).Str("kind", string(job.Kind)).
				Int64("user", job.UserTGID).Msg("post-worker: задача не выполнена")
			_ = ack(false)
			continue
		}
		_ = ack(true)
	}
}

func (w *worker) handle(ctx context.Context, job domain.PostJob) error {
	user, err := w.users.GetByTGID(job.UserTGID)
	if err != nil {
		return err
	}
	date := job.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	switch job.Kind {
	case domain.PostKindEvening:
		_, err = w.eveningUC.CreateAndSend(ctx, user, date)
		if errors.Is(err, evening.ErrAlreadySent) {
			w.log.Debug().Int64("user", user.TGUserID).Msg("вечерний пост уже отправлен")
			return nil
		}
		return err
	case domain.PostKindMorning:
		_, err = w.morningUC.CreateAndSend(ctx, user, date)
		if errors.Is(err, morning.ErrAlreadySent) {
			w.log.Debug().Int64("user", user.TGUserID).Msg("утренний пост уже отправлен")
			return nil
		}
		return err
	case domain.PostKindJoy:
		return w.joyUC.WeeklyPost(ctx, user)
	case domain.PostKindAngry:
		_, err = w.angryUC.MaybeSend(ctx, user, date)
		if errors.Is(err, angry.ErrAlreadySent) || errors.Is(err, angry.ErrUserResponded) {
			w.log.Debug().Int64("user", user.TGUserID).Msg("эскалация не нужна")
			return nil
		}
		return err
	default:
		w.log.Warn().Str("kind", string(job.Kind)).Msg("post-worker: неизвестный тип задачи")
		return nil
	}
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
			logger.Fatal().Err(err).Msg("post-worker: не удалось подключиться к RabbitMQ")
		}
		return q
	}
	return queue.NewRedisPostQueue(redisClient, cfg.Queues.Posts)
}
