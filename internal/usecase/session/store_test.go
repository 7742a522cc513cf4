package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestUpdateJoyCreatesSession(t *testing.T) {
	store := NewStore()
	key := Key{UserID: 1, Kind: KindJoyShort}
	sess := store.UpdateJoy(key, func(s *JoySession) {
		s.AddMode = true
		s.Pending = append(s.Pending, "кофе")
	})
	if !sess.AddMode || len(sess.Pending) != 1 {
		t.Fatalf("сессия не создана: %+v", sess)
	}
	got, ok := store.Joy(key)
	if !ok || got.Pending[0] != "кофе" {
		t.Fatalf("сессия не сохранилась: %+v", got)
	}
}

func TestJoyReturnsCopy(t *testing.T) {
	store := NewStore()
	key := Key{UserID: 1, Kind: KindJoyLong}
	store.UpdateJoy(key, func(s *JoySession) { s.Pending = []string{"a"} })
	got, _ := store.Joy(key)
	got.Pending[0] = "b"
	again, _ := store.Joy(key)
	if again.Pending[0] != "a" {
		t.Fatal("Joy должен возвращать копию")
	}
}

func TestActiveJoyKeyPrefersShort(t *testing.T) {
	store := NewStore()
	store.UpdateJoy(Key{UserID: 7, Kind: KindJoyLong}, func(s *JoySession) { s.AddMode = true })
	store.UpdateJoy(Key{UserID: 7, Kind: KindJoyShort}, func(s *JoySession) { s.AddMode = true })
	key, ok := store.ActiveJoyKey(7)
	if !ok || key.Kind != KindJoyShort {
		t.Fatalf("ожидали короткий флоу, получили %+v", key)
	}
}

func TestActiveJoyKeyIgnoresIdle(t *testing.T) {
	store := NewStore()
	store.UpdateJoy(Key{UserID: 7, Kind: KindJoyShort}, func(s *JoySession) {})
	if _, ok := store.ActiveJoyKey(7); ok {
		t.Fatal("сессия без активных режимов не считается активной")
	}
}

func TestReminderReplacedAndCleared(t *testing.T) {
	store := NewStore()
	var fired atomic.Int32
	store.SetReminder(1, 30*time.Millisecond, func() { fired.Add(1) })
	store.SetReminder(1, 30*time.Millisecond, func() { fired.Add(1) })
	store.ClearReminder(1)
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("таймер должен быть снят, сработал %d раз", fired.Load())
	}
}

func TestClearUserDropsEverything(t *testing.T) {
	store := NewStore()
	store.UpdateJoy(Key{UserID: 9, Kind: KindJoyShort}, func(s *JoySession) { s.AddMode = true })
	store.SetReminder(9, time.Hour, func() {})
	store.ClearUser(9)
	if _, ok := store.ActiveJoyKey(9); ok {
		t.Fatal("сессии должны быть удалены")
	}
}
