package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/telegram"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/cache"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/config"
	httpinfra "github.com/o-maan/psyfroggybot-sub001/internal/infra/http"
	logx "github.com/o-maan/psyfroggybot-sub001/internal/infra/log"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/workflow"
)

// api принимает вызовы внешнего workflow-движка: регистрацию ожидания
// ответа пользователя и отправку сообщений от имени движка.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logx.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cacheAdapter := cache.NewRedis(redisClient)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, logger, cfg.Telegram.MaxAttempts,
		time.Duration(cfg.Telegram.RetryDelay)*time.Millisecond)

	workflowUC := workflow.NewService(cacheAdapter, sender,
		time.Duration(cfg.Workflow.ResumeTimeoutSec)*time.Second,
		time.Duration(cfg.Workflow.WaitTTLMin)*time.Minute, logger)

	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	r := chi.NewRouter()

	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.WorkflowAuthMiddleware(cfg.Workflow.Token))

		protected.Post("/api/v1/workflow/register-wait", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req registerWaitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.ChatID == 0 {
				writeError(w, http.StatusBadRequest, "chat_id is required")
				return
			}
			if req.ResumeURL == "" {
				writeError(w, http.StatusBadRequest, "resume_url is required")
				return
			}
			if err := workflowUC.RegisterWait(r.Context(), req.ChatID, req.ResumeURL, req.StepName, req.Message, toKeyboard(req.Buttons)); err != nil {
				logger.Error().Err(err).Int64("chat", req.ChatID).Msg("api: register-wait не выполнен")
				writeError(w, http.StatusInternalServerError, "register-wait failed")
				return
			}
			if len(req.Data) > 0 {
				if err := workflowUC.StoreData(req.ChatID, req.Data); err != nil {
					logger.Error().Err(err).Int64("chat", req.ChatID).Msg("api: workflow-данные не сохранены")
				}
			}
			writeJSON(w, map[string]string{"status": "waiting"})
		})

		protected.Post("/api/v1/workflow/send-message", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req sendMessageRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.ChatID == 0 {
				writeError(w, http.StatusBadRequest, "chat_id is required")
				return
			}
			if err := workflowUC.SendMessage(r.Context(), req.ChatID, req.Text, toKeyboard(req.Buttons), req.ClearSession); err != nil {
				logger.Error().Err(err).Int64("chat", req.ChatID).Msg("api: send-message не выполнен")
				writeError(w, http.StatusInternalServerError, "send-message failed")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		// движок читает блоб, сохранённый вместе с register-wait
		protected.Get("/api/v1/workflow/data/{chatID}", func(w http.ResponseWriter, r *http.Request) {
			chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
			if err != nil || chatID == 0 {
				writeError(w, http.StatusBadRequest, "invalid chat id")
				return
			}
			data, err := workflowUC.Data(chatID)
			if err != nil {
				logger.Error().Err(err).Int64("chat", chatID).Msg("api: workflow-данные не прочитаны")
				writeError(w, http.StatusInternalServerError, "data read failed")
				return
			}
			if len(data) == 0 {
				writeError(w, http.StatusNotFound, "no data for chat")
				return
			}
			writeJSON(w, map[string]json.RawMessage{"data": data})
		})
	})

	srv := httpinfra.NewServer(logger)
	srv.Router.Mount("/", r)

	go func() {
		if err := srv.Start(":8081"); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: HTTP сервер остановлен")
		}
	}()
	logger.Info().Msg("workflow api запущен")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type buttonRequest struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

type registerWaitRequest struct {
	ChatID    int64             `json:"chat_id"`
	ResumeURL string            `json:"resume_url"`
	StepName  string            `json:"step_name"`
	Message   string            `json:"message"`
	Buttons   [][]buttonRequest `json:"buttons"`
	Data      json.RawMessage   `json:"data"`
}

type sendMessageRequest struct {
	ChatID       int64             `json:"chat_id"`
	Text         string            `json:"text"`
	Buttons      [][]buttonRequest `json:"buttons"`
	ClearSession bool              `json:"clear_session"`
}

func toKeyboard(rows [][]buttonRequest) [][]domain.Button {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]domain.Button, 0, len(rows))
	for _, row := range rows {
		buttons := make([]domain.Button, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, domain.Button{Label: b.Label, Data: b.Data})
		}
		keyboard = append(keyboard, buttons)
	}
	return keyboard
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpinfra.ErrorResponse{Error: msg})
}
