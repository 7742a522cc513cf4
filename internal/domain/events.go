package domain

import (
	"context"
	"time"
)

// EngagementEvent описывает продуктовое событие, сохраняемое для анализа вовлечённости.
type EngagementEvent struct {
	Event      string
	UserID     *int64
	PostID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// EngagementUserRegistered фиксирует первый /start пользователя.
	EngagementUserRegistered = "user_registered"
	// EngagementPostSent фиксирует доставку поста пользователю.
	EngagementPostSent = "post_sent"
	// EngagementTaskCompleted фиксирует закрытие задачи вечерней сессии.
	EngagementTaskCompleted = "task_completed"
	// EngagementJoyCommitted фиксирует пополнение списка радостей.
	EngagementJoyCommitted = "joy_committed"
	// EngagementAngrySent фиксирует отправку «злого» поста.
	EngagementAngrySent = "angry_sent"
	// EngagementUserReset фиксирует сброс данных пользователя.
	EngagementUserReset = "user_reset"
)

// EngagementRepo сохраняет продуктовые события.
type EngagementRepo interface {
	RecordEngagement(ctx context.Context, event EngagementEvent) error
}
