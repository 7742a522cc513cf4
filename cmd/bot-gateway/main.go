package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/bot"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/calendar"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/generator"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/repo"
	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/telegram"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/cache"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/config"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/db"
	httpx "github.com/o-maan/psyfroggybot-sub001/internal/infra/http"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/log"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/openai"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/queue"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/evening"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/joy"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/morning"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/workflow"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cacheAdapter := cache.NewRedis(redisClient)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}

	pg := repo.NewPostgres(pool)
	sender := telegram.NewSender(botAPI, logger, cfg.Telegram.MaxAttempts,
		time.Duration(cfg.Telegram.RetryDelay)*time.Millisecond)
	gen := newGenerator(cfg)
	cal := calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.Token)
	sessions := session.NewStore()
	fanout := delivery.NewService(sender, logger)
	jobs := newPostQueue(cfg, redisClient, logger)

	eveningUC := evening.NewService(pg.Users, pg.Posts, pg.Links, pg.Engagements, gen, cal, fanout, sender, sessions, logger)
	morningUC := morning.NewService(pg.Users, pg.Mornings, pg.Links, pg.Engagements, gen, fanout, sender, logger)
	joyUC := joy.NewService(pg.Joys, pg.Engagements, gen, sender, fanout, sessions, logger)
	workflowUC := workflow.NewService(cacheAdapter, sender,
		time.Duration(cfg.Workflow.ResumeTimeoutSec)*time.Second,
		time.Duration(cfg.Workflow.WaitTTLMin)*time.Minute, logger)

	h := bot.NewHandler(botAPI, sender, logger, pg.Users, pg.Posts, pg.Mornings, pg.Links, pg.Engagements,
		eveningUC, morningUC, joyUC, workflowUC, sessions, jobs, gen, cfg.Flags.AutoReply)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	srv := httpx.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := srv.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	// Без вебхука работаем через long polling.
	if cfg.Telegram.WebhookURL == "" {
		go func() {
			updCfg := tgbotapi.NewUpdate(0)
			updCfg.Timeout = 30
			for update := range botAPI.GetUpdatesChan(updCfg) {
				h.HandleUpdate(ctx, update)
			}
		}()
	}

	logger.Info().Msg("бот-гейтвей запущен")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")
	botAPI.StopReceivingUpdates()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
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
			logger.Fatal().Err(err).Msg("не удалось подключиться к RabbitMQ")
		}
		return q
	}
	return queue.NewRedisPostQueue(redisClient, cfg.Queues.Posts)
}
