package angry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
)

type stubAngryRepo struct {
	exists  bool
	created int
}

func (s *stubAngryRepo) Create(post domain.AngryPost) (domain.AngryPost, bool, error) {
	s.created++
	post.ID = 30
	return post, true, nil
}
func (s *stubAngryRepo) ExistsForDate(userID int64, date time.Time) (bool, error) {
	return s.exists, nil
}

type stubPostRepo struct {
	incomplete []domain.InteractivePost
}

func (s *stubPostRepo) Create(post domain.InteractivePost) (domain.InteractivePost, bool, error) {
	return post, true, nil
}
func (s *stubPostRepo) GetByID(id int64) (domain.InteractivePost, error) {
	return domain.InteractivePost{}, nil
}
func (s *stubPostRepo) GetByChannelMsgID(msgID int64) (domain.InteractivePost, error) {
	return domain.InteractivePost{}, nil
}
func (s *stubPostRepo) ListIncomplete(userID int64) ([]domain.InteractivePost, error) {
	return s.incomplete, nil
}
func (s *stubPostRepo) ListStaleIncomplete(olderThan time.Time) ([]domain.InteractivePost, error) {
	return nil, nil
}
func (s *stubPostRepo) SetTaskCompleted(postID int64, task int) error          { return nil }
func (s *stubPostRepo) SetRelaxation(postID int64, r domain.RelaxationType) error { return nil }

type stubLinkRepo struct {
	latest domain.MessageLink
}

func (s *stubLinkRepo) Save(link domain.MessageLink) (domain.MessageLink, error) { return link, nil }
func (s *stubLinkRepo) GetByMessageID(chatID, messageID int64) (domain.MessageLink, error) {
	return domain.MessageLink{}, nil
}
func (s *stubLinkRepo) MarkProcessed(id int64) error           { return nil }
func (s *stubLinkRepo) UpdateText(id int64, text string) error { return nil }
func (s *stubLinkRepo) LatestUserMessage(postID int64) (domain.MessageLink, error) {
	return s.latest, nil
}

type stubGenerator struct{ reply string }

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return s.reply, nil
}
func (s *stubGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return []byte{1}, nil
}

type recordingSender struct {
	sent   []domain.OutgoingMessage
	nextID int64
}

func (s *recordingSender) Send(ctx context.Context, msg domain.OutgoingMessage) (int64, error) {
	s.sent = append(s.sent, msg)
	s.nextID++
	return s.nextID, nil
}
func (s *recordingSender) Edit(ctx context.Context, chatID, msgID int64, text string, kb [][]domain.Button) error {
	return nil
}
func (s *recordingSender) Delete(ctx context.Context, chatID, msgID int64) error { return nil }

func newTestService(angryRepo *stubAngryRepo, posts *stubPostRepo, links *stubLinkRepo, sender *recordingSender) *Service {
	log := zerolog.Nop()
	return NewService(nil, angryRepo, posts, links, nil, &stubGenerator{reply: "Ква-ква! Где ты пропадаешь?"}, delivery.NewService(sender, log), log)
}

func testUser() domain.User {
	return domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
}

func TestMaybeSendEscalatesSilentUser(t *testing.T) {
	angryRepo := &stubAngryRepo{}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1}}}
	links := &stubLinkRepo{} // ни одного сообщения от пользователя
	sender := &recordingSender{}
	svc := newTestService(angryRepo, posts, links, sender)

	post, err := svc.MaybeSend(context.Background(), testUser(), time.Now())
	if err != nil {
		t.Fatalf("эскалация молчуна: %v", err)
	}
	if post.ID == 0 || angryRepo.created != 1 {
		t.Fatal("злой пост должен создаться")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали одну отправку, получили %d", len(sender.sent))
	}
}

func TestMaybeSendIdempotentPerDay(t *testing.T) {
	angryRepo := &stubAngryRepo{exists: true}
	sender := &recordingSender{}
	svc := newTestService(angryRepo, &stubPostRepo{}, &stubLinkRepo{}, sender)

	_, err := svc.MaybeSend(context.Background(), testUser(), time.Now())
	if !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("повтор за день должен давать ErrAlreadySent, получили %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("при повторе ничего не отправляется")
	}
}

func TestMaybeSendSkipsRespondedUser(t *testing.T) {
	angryRepo := &stubAngryRepo{}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1, Task1Completed: true}}}
	sender := &recordingSender{}
	svc := newTestService(angryRepo, posts, &stubLinkRepo{}, sender)

	_, err := svc.MaybeSend(context.Background(), testUser(), time.Now())
	if !errors.Is(err, ErrUserResponded) {
		t.Fatalf("ответивший пользователь не эскалируется, получили %v", err)
	}
	if angryRepo.created != 0 || len(sender.sent) != 0 {
		t.Fatal("для ответившего пользователя ничего не создаётся и не отправляется")
	}
}

func TestMaybeSendTreatsTodayMessageAsResponse(t *testing.T) {
	angryRepo := &stubAngryRepo{}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1}}}
	links := &stubLinkRepo{latest: domain.MessageLink{ID: 5, CreatedAt: time.Now().UTC()}}
	sender := &recordingSender{}
	svc := newTestService(angryRepo, posts, links, sender)

	_, err := svc.MaybeSend(context.Background(), testUser(), time.Now())
	if !errors.Is(err, ErrUserResponded) {
		t.Fatalf("свежее сообщение должно считаться откликом, получили %v", err)
	}
}
