package domain

import (
	"context"
	"time"
)

// PostKind — тип генерируемого поста.
type PostKind string

const (
	PostKindEvening PostKind = "evening"
	PostKindMorning PostKind = "morning"
	PostKindAngry   PostKind = "angry"
	// PostKindJoy — еженедельный пост радостей, открывающий длинную сессию.
	PostKindJoy PostKind = "joy"
)

// PostJobCause описывает источник запроса на пост.
type PostJobCause string

const (
	// PostCauseManual — пост запрошен админской командой.
	PostCauseManual PostJobCause = "manual"
	// PostCauseScheduled — пост запланирован по расписанию.
	PostCauseScheduled PostJobCause = "scheduled"
)

// PostJob — задача на генерацию и доставку поста. Генерация с картинкой
// занимает десятки секунд, поэтому команды кладут задачу в очередь и
// отвечают сразу, не дожидаясь LLM.
type PostJob struct {
	ID          string       `json:"job_id,omitempty"`
	Kind        PostKind     `json:"kind"`
	UserTGID    int64        `json:"user_tg_id"`
	ChatID      int64        `json:"chat_id"`
	Date        time.Time    `json:"date"`
	RequestedAt time.Time    `json:"requested_at"`
	Cause       PostJobCause `json:"cause"`
}

// PostAckFunc подтверждает обработку задачи или возвращает её в очередь.
type PostAckFunc func(success bool) error

// PostQueue — очередь задач на генерацию постов.
type PostQueue interface {
	Enqueue(ctx context.Context, job PostJob) error
	Receive(ctx context.Context) (PostJob, PostAckFunc, error)
}
