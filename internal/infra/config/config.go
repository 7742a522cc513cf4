package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Moscow"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		Token       string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL  string `envconfig:"TG_WEBHOOK_URL"`
		AdminChatID int64  `envconfig:"TG_ADMIN_CHAT_ID"`
		MaxAttempts int    `envconfig:"TG_SEND_MAX_ATTEMPTS" default:"3"`
		RetryDelay  int    `envconfig:"TG_SEND_RETRY_DELAY_MS" default:"1500"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	OpenAI struct {
		APIKey     string `envconfig:"OPENAI_API_KEY"`
		BaseURL    string `envconfig:"OPENAI_BASE_URL"`
		Model      string `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		ImageModel string `envconfig:"OPENAI_IMAGE_MODEL" default:"gpt-image-1"`
		TimeoutSec int    `envconfig:"OPENAI_TIMEOUT_SEC" default:"60"`
	} `envconfig:""`

	Calendar struct {
		BaseURL string `envconfig:"CALENDAR_BASE_URL"`
		Token   string `envconfig:"CALENDAR_TOKEN"`
	} `envconfig:""`

	Workflow struct {
		Token            string `envconfig:"WORKFLOW_TOKEN"`
		ResumeTimeoutSec int    `envconfig:"WORKFLOW_RESUME_TIMEOUT_SEC" default:"30"`
		WaitTTLMin       int    `envconfig:"WORKFLOW_WAIT_TTL_MIN" default:"60"`
	} `envconfig:""`

	Queues struct {
		Backend       string `envconfig:"POST_QUEUE_BACKEND" default:"redis"`
		Posts         string `envconfig:"POST_QUEUE_KEY" default:"post_jobs"`
		AMQPURL       string `envconfig:"RABBITMQ_URL"`
		ManagementURL string `envconfig:"RABBITMQ_MANAGEMENT_URL"`
	} `envconfig:""`

	Sweep struct {
		StaleAfterMin int `envconfig:"SWEEP_STALE_AFTER_MIN" default:"120"`
	} `envconfig:""`

	Flags struct {
		AutoReply bool `envconfig:"AUTO_REPLY_ENABLED" default:"false"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
