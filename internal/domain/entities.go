package domain

import "time"

// Gender используется для склонения текстов под пользователя.
type Gender string

const (
	GenderFemale  Gender = "female"
	GenderMale    Gender = "male"
	GenderUnknown Gender = ""
)

// User описывает пользователя бота.
type User struct {
	ID              int64
	TGUserID        int64
	Name            string
	Gender          Gender
	Timezone        string
	UTCOffsetMin    int
	DMEnabled       bool
	ChannelEnabled  bool
	ChannelID       int64
	OnboardingState *string
	Request         string
	EveningAt       string // "HH:MM" локального времени
	MorningAt       string // "HH:MM" локального времени
	IsAdmin         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChatID возвращает чат для личных сообщений пользователя.
func (u User) ChatID() int64 {
	return u.TGUserID
}

// HasChannel сообщает, привязан ли к пользователю канал.
func (u User) HasChannel() bool {
	return u.ChannelID != 0
}

// RelaxationType — практика завершающего шага вечернего поста.
type RelaxationType string

const (
	RelaxationBreathing RelaxationType = "breathing"
	RelaxationBody      RelaxationType = "body"
)

// PostPayload — сгенерированное наполнение вечернего поста.
type PostPayload struct {
	Encouragement  string `json:"encouragement"`
	NegativePrompt string `json:"negative_prompt"`
	PositivePrompt string `json:"positive_prompt"`
	EmotionsPrompt string `json:"emotions_prompt"`
}

// DeliveryMode фиксирует, куда ушёл исходный пост.
type DeliveryMode string

const (
	DeliveryDM      DeliveryMode = "dm"
	DeliveryChannel DeliveryMode = "channel"
)

// InteractivePost — вечерняя многошаговая сессия, привязанная к сообщению-анонсу.
type InteractivePost struct {
	ID             int64
	UserID         int64
	ChannelMsgID   int64
	Payload        PostPayload
	Relaxation     RelaxationType
	Task1Completed bool
	Task2Completed bool
	Task3Completed bool
	Mode           DeliveryMode
	Date           time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// State выводит текущее состояние сессии из флагов задач.
func (p InteractivePost) State() PostState {
	return CurrentState(p.Task1Completed, p.Task2Completed, p.Task3Completed)
}

// Finished сообщает, завершена ли сессия.
func (p InteractivePost) Finished() bool {
	return p.State() == StateFinished
}

// MorningPost — утренний пост с одним ожидаемым откликом.
type MorningPost struct {
	ID           int64
	UserID       int64
	ChannelMsgID int64
	Step         MorningStep
	Trophy       bool
	Greeting     string
	Task         string
	Date         time.Time
	CreatedAt    time.Time
}

// JoyProvenance указывает происхождение записи списка радостей.
type JoyProvenance string

const (
	JoyManual JoyProvenance = "manual"
	JoyAuto   JoyProvenance = "auto"
)

// JoySource — один источник радости/энергии пользователя.
type JoySource struct {
	ID         int64
	UserID     int64
	Text       string
	Provenance JoyProvenance
	CreatedAt  time.Time
}

// AngryPost — разовый «злой» пост: нужен ради идемпотентности и роутинга ответов.
type AngryPost struct {
	ID           int64
	UserID       int64
	ChannelMsgID int64
	ThreadID     int64
	CreatedAt    time.Time
}

// MessageRole — логическая роль сообщения в диалоге поста.
type MessageRole string

const (
	RoleUserMessage MessageRole = "user"
	RoleBotTask1    MessageRole = "bot_task1"
	RoleBotSchema   MessageRole = "bot_schema"
	RoleBotTask2    MessageRole = "bot_task2"
	RoleBotPractice MessageRole = "bot_practice"
)

// MessageLink связывает физическое сообщение Telegram с логическим шагом.
type MessageLink struct {
	ID        int64
	MessageID int64
	ChatID    int64
	Role      MessageRole
	PostID    int64
	ReplyToID int64
	Text      string
	Processed bool
	CreatedAt time.Time
}

// CalendarEvent — событие внешнего календаря пользователя.
type CalendarEvent struct {
	Summary      string
	Start        time.Time
	End          time.Time
	Location     string
	Transparency string
}

// WaitingSession — короткоживущая сессия ожидания внешнего workflow-движка.
type WaitingSession struct {
	ChatID    int64  `json:"chat_id"`
	ResumeURL string `json:"resume_url"`
	StepName  string `json:"step_name"`
	CreatedAt int64  `json:"created_at"`
}
