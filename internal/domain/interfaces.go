package domain

import (
	"context"
	"time"
)

// TelegramProfile — данные пользователя, пришедшие из апдейта Telegram.
type TelegramProfile struct {
	TGUserID int64
	Name     string
	Locale   string
}

// UserRepo управляет пользователями.
type UserRepo interface {
	// UpsertByTGID создаёт или обновляет пользователя, второй результат — признак создания.
	UpsertByTGID(profile TelegramProfile) (User, bool, error)
	GetByTGID(tgUserID int64) (User, error)
	GetByID(id int64) (User, error)
	ListForEveningTime(nowUTC time.Time) ([]User, error)
	ListForMorningTime(nowUTC time.Time) ([]User, error)
	// ListActive возвращает пользователей хотя бы с одним включённым каналом доставки.
	ListActive() ([]User, error)
	UpdateDelivery(userID int64, dmEnabled, channelEnabled bool, channelID int64) error
	UpdateProfile(userID int64, name string, gender Gender, request string) error
	UpdateOnboardingState(userID int64, state *string) error
	// SoftReset чистит историю и счётчики, сохраняя профиль.
	SoftReset(userID int64) error
	// DeleteUserData полностью удаляет пользователя и все его данные.
	DeleteUserData(userID int64) error
}

// InteractivePostRepo управляет вечерними сессиями.
type InteractivePostRepo interface {
	// Create сохраняет пост; второй результат false, если пост на эту дату уже есть.
	Create(post InteractivePost) (InteractivePost, bool, error)
	GetByID(id int64) (InteractivePost, error)
	GetByChannelMsgID(channelMsgID int64) (InteractivePost, error)
	ListIncomplete(userID int64) ([]InteractivePost, error)
	ListStaleIncomplete(olderThan time.Time) ([]InteractivePost, error)
	// SetTaskCompleted выставляет флаг задачи 1..3; флаг монотонный, обратно не снимается.
	SetTaskCompleted(postID int64, task int) error
	SetRelaxation(postID int64, relaxation RelaxationType) error
}

// MorningPostRepo управляет утренними постами.
type MorningPostRepo interface {
	Create(post MorningPost) (MorningPost, bool, error)
	GetForDate(userID int64, date time.Time) (MorningPost, error)
	GetByChannelMsgID(channelMsgID int64) (MorningPost, error)
	Complete(postID int64, trophy bool) error
}

// JoyRepo управляет списком источников радости.
type JoyRepo interface {
	List(userID int64) ([]JoySource, error)
	Add(userID int64, texts []string, provenance JoyProvenance) ([]JoySource, error)
	Delete(userID int64, ids []int64) error
	Clear(userID int64) error
	// Checkpoint фиксирует текущую верхнюю границу списка для сводок «что изменилось».
	Checkpoint(userID int64, at time.Time) error
	ListSinceCheckpoint(userID int64) ([]JoySource, error)
}

// AngryPostRepo управляет «злыми» постами.
type AngryPostRepo interface {
	// Create сохраняет пост; второй результат false, если на эту дату пост уже существует.
	Create(post AngryPost) (AngryPost, bool, error)
	ExistsForDate(userID int64, date time.Time) (bool, error)
}

// MessageLinkRepo хранит связи сообщений с логическими шагами.
type MessageLinkRepo interface {
	Save(link MessageLink) (MessageLink, error)
	GetByMessageID(chatID, messageID int64) (MessageLink, error)
	MarkProcessed(id int64) error
	UpdateText(id int64, text string) error
	// LatestUserMessage возвращает последнее пользовательское сообщение по посту.
	LatestUserMessage(postID int64) (MessageLink, error)
}

// Generator — абстракция LLM-бэкенда.
type Generator interface {
	// Generate возвращает текст; на мусорный ответ модели возвращается
	// строка-сентинел (см. IsGenerationFailed), ошибка — только транспортная.
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Calendar — интеграция с внешним календарём.
type Calendar interface {
	EventsForUser(ctx context.Context, userID int64) ([]CalendarEvent, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Del(key string) error
}

// Button — кнопка inline-клавиатуры.
type Button struct {
	Label string
	Data  string
}

// OutgoingMessage — исходящее сообщение для транспорта Telegram.
type OutgoingMessage struct {
	ChatID   int64
	Text     string
	Photo    []byte
	ReplyTo  int64
	ThreadID int64
	Keyboard [][]Button
}

// Sender — транспорт Telegram: отправка, правка и удаление сообщений с ретраями.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]Button) error
	Delete(ctx context.Context, chatID, messageID int64) error
}
