package session

import (
	"sync"
	"time"
)

// Kind различает логические сессии одного пользователя.
type Kind string

const (
	// KindJoyShort — короткий флоу /joy, доступный с любой поверхности.
	KindJoyShort Kind = "joy_short"
	// KindJoyLong — длинный еженедельный Joy-флоу, привязанный к посту канала.
	KindJoyLong Kind = "joy_long"
)

// Key адресует одну логическую сессию.
type Key struct {
	UserID int64
	Kind   Kind
}

// JoySession — эфемерное состояние накопления списка радостей.
// Буфер имеет смысл только пока активен AddMode; после коммита он чистится.
// Вклад каждого сообщения адресуется его id: повтор или правка того же
// сообщения заменяет запись, а не добавляет новую.
type JoySession struct {
	Pending        []string
	PendingByMsg   map[int64]int // id сообщения -> индекс в Pending
	PromptChatID   int64
	PromptMsgID    int64
	AddMode        bool
	RemovalMode    bool
	RemovalNumbers map[int64][]int // id сообщения -> введённые номера
}

// Store — процессное хранилище эфемерных сессий и таймеров напоминаний.
// Единственное место, знающее про однопроцессность: хендлеры получают Store
// через конструктор и не держат собственных глобальных карт.
// Все ключи используют внутренний id пользователя, не telegram-id.
type Store struct {
	mu        sync.Mutex
	joy       map[Key]*JoySession
	reminders map[int64]*time.Timer
}

// NewStore создаёт хранилище.
func NewStore() *Store {
	return &Store{
		joy:       make(map[Key]*JoySession),
		reminders: make(map[int64]*time.Timer),
	}
}

// Joy возвращает копию сессии по ключу.
func (s *Store) Joy(key Key) (JoySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.joy[key]
	if !ok {
		return JoySession{}, false
	}
	return cloneJoy(sess), true
}

// UpdateJoy мутирует сессию под замком, создавая её при отсутствии.
func (s *Store) UpdateJoy(key Key, fn func(*JoySession)) JoySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.joy[key]
	if !ok {
		sess = &JoySession{
			PendingByMsg:   make(map[int64]int),
			RemovalNumbers: make(map[int64][]int),
		}
		s.joy[key] = sess
	}
	fn(sess)
	return cloneJoy(sess)
}

// DeleteJoy удаляет сессию.
func (s *Store) DeleteJoy(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joy, key)
}

// ActiveJoyKey возвращает активную joy-сессию пользователя, если она есть.
// Короткий флоу приоритетнее длинного.
func (s *Store) ActiveJoyKey(userID int64) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []Kind{KindJoyShort, KindJoyLong} {
		key := Key{UserID: userID, Kind: kind}
		if sess, ok := s.joy[key]; ok && (sess.AddMode || sess.RemovalMode) {
			return key, true
		}
	}
	return Key{}, false
}

// SetReminder взводит таймер напоминания для пользователя,
// заменяя уже существующий.
func (s *Store) SetReminder(userID int64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.reminders[userID]; ok {
		t.Stop()
	}
	s.reminders[userID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.reminders, userID)
		s.mu.Unlock()
		fn()
	})
}

// ClearReminder снимает таймер напоминания, если он есть.
func (s *Store) ClearReminder(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.reminders[userID]; ok {
		t.Stop()
		delete(s.reminders, userID)
	}
}

// ClearUser сбрасывает все сессии и таймеры пользователя (например, на /start).
func (s *Store) ClearUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.joy {
		if key.UserID == userID {
			delete(s.joy, key)
		}
	}
	if t, ok := s.reminders[userID]; ok {
		t.Stop()
		delete(s.reminders, userID)
	}
}

func cloneJoy(sess *JoySession) JoySession {
	out := *sess
	out.Pending = append([]string(nil), sess.Pending...)
	out.PendingByMsg = make(map[int64]int, len(sess.PendingByMsg))
	for id, idx := range sess.PendingByMsg {
		out.PendingByMsg[id] = idx
	}
	out.RemovalNumbers = make(map[int64][]int, len(sess.RemovalNumbers))
	for id, nums := range sess.RemovalNumbers {
		out.RemovalNumbers[id] = append([]int(nil), nums...)
	}
	return out
}
