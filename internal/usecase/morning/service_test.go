package morning

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
)

type stubMorningRepo struct {
	post      domain.MorningPost
	completes int
}

func (s *stubMorningRepo) Create(post domain.MorningPost) (domain.MorningPost, bool, error) {
	post.ID = 20
	s.post = post
	return post, true, nil
}
func (s *stubMorningRepo) GetForDate(userID int64, date time.Time) (domain.MorningPost, error) {
	return s.post, nil
}
func (s *stubMorningRepo) GetByChannelMsgID(msgID int64) (domain.MorningPost, error) {
	return s.post, nil
}
func (s *stubMorningRepo) Complete(postID int64, trophy bool) error {
	s.completes++
	s.post.Step = domain.MorningDone
	s.post.Trophy = trophy
	return nil
}

type stubLinkRepo struct {
	processed []int64
}

func (s *stubLinkRepo) Save(link domain.MessageLink) (domain.MessageLink, error) { return link, nil }
func (s *stubLinkRepo) GetByMessageID(chatID, messageID int64) (domain.MessageLink, error) {
	return domain.MessageLink{}, nil
}
func (s *stubLinkRepo) MarkProcessed(id int64) error {
	s.processed = append(s.processed, id)
	return nil
}
func (s *stubLinkRepo) UpdateText(id int64, text string) error { return nil }
func (s *stubLinkRepo) LatestUserMessage(postID int64) (domain.MessageLink, error) {
	return domain.MessageLink{}, nil
}

type stubGenerator struct {
	reply string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return s.reply, nil
}
func (s *stubGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return nil, nil
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

func newTestService(gen *stubGenerator, posts *stubMorningRepo, links *stubLinkRepo, sender *recordingSender) *Service {
	log := zerolog.Nop()
	return NewService(nil, posts, links, nil, gen, delivery.NewService(sender, log), sender, log)
}

func TestCreateAndSendSplitsGreetingAndTask(t *testing.T) {
	gen := &stubGenerator{reply: "Доброе утро, Аня!\nВыпей стакан воды до кофе."}
	posts := &stubMorningRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, &stubLinkRepo{}, sender)

	user := domain.User{ID: 1, TGUserID: 100, Name: "Аня", DMEnabled: true}
	post, err := svc.CreateAndSend(context.Background(), user, time.Now())
	if err != nil {
		t.Fatalf("создание утреннего поста: %v", err)
	}
	if post.Greeting != "Доброе утро, Аня!" || post.Task != "Выпей стакан воды до кофе." {
		t.Fatalf("приветствие и задание разобраны неверно: %+v", post)
	}
	if post.Step != domain.MorningWaitingResponse {
		t.Fatalf("новый пост должен ждать отклик, получили %s", post.Step)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "стакан воды") {
		t.Fatalf("пост не отправлен пользователю: %+v", sender.sent)
	}
}

func TestCreateAndSendFallsBackOnSentinel(t *testing.T) {
	gen := &stubGenerator{reply: domain.GenerationFailed}
	posts := &stubMorningRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, &stubLinkRepo{}, sender)

	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	post, err := svc.CreateAndSend(context.Background(), user, time.Now())
	if err != nil {
		t.Fatalf("создание поста с запасным текстом: %v", err)
	}
	if post.Greeting != fallbackGreeting || post.Task != fallbackTask {
		t.Fatalf("при сбое генерации ожидали запасной текст, получили %+v", post)
	}
}

func TestHandleResponseAwardsTrophyOnce(t *testing.T) {
	gen := &stubGenerator{reply: "Отличный план!"}
	posts := &stubMorningRepo{post: domain.MorningPost{ID: 20, UserID: 1, Step: domain.MorningWaitingResponse}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender)

	user := domain.User{ID: 1, TGUserID: 100}
	link := domain.MessageLink{ID: 5, MessageID: 70, ChatID: 100, Text: "сделаю зарядку"}
	if err := svc.HandleResponse(context.Background(), posts.post, user, link); err != nil {
		t.Fatalf("первый отклик: %v", err)
	}
	if posts.post.Step != domain.MorningDone || !posts.post.Trophy {
		t.Fatalf("пост должен закрыться с трофеем: %+v", posts.post)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "🏆") {
		t.Fatalf("ожидали трофей в ответе: %+v", sender.sent)
	}

	// повторный отклик ничего не меняет и не шлёт
	link2 := domain.MessageLink{ID: 6, MessageID: 71, ChatID: 100, Text: "ещё мысль"}
	if err := svc.HandleResponse(context.Background(), posts.post, user, link2); err != nil {
		t.Fatalf("повторный отклик: %v", err)
	}
	if posts.completes != 1 {
		t.Fatalf("пост должен закрываться один раз, закрыт %d", posts.completes)
	}
	if len(sender.sent) != 1 {
		t.Fatal("после закрытия поста бот не должен отвечать")
	}
	if len(links.processed) != 2 {
		t.Fatal("повторный отклик всё равно помечается обработанным")
	}
}
