package evening

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
)

type stubUserRepo struct {
	user domain.User
}

func (s *stubUserRepo) UpsertByTGID(p domain.TelegramProfile) (domain.User, bool, error) {
	return s.user, false, nil
}
func (s *stubUserRepo) GetByTGID(tgUserID int64) (domain.User, error) { return s.user, nil }
func (s *stubUserRepo) GetByID(id int64) (domain.User, error)         { return s.user, nil }
func (s *stubUserRepo) ListForEveningTime(nowUTC time.Time) ([]domain.User, error) {
	return []domain.User{s.user}, nil
}
func (s *stubUserRepo) ListForMorningTime(nowUTC time.Time) ([]domain.User, error) { return nil, nil }
func (s *stubUserRepo) ListActive() ([]domain.User, error)                         { return []domain.User{s.user}, nil }
func (s *stubUserRepo) UpdateDelivery(userID int64, dm, channel bool, channelID int64) error {
	return nil
}
func (s *stubUserRepo) UpdateProfile(userID int64, name string, gender domain.Gender, request string) error {
	return nil
}
func (s *stubUserRepo) UpdateOnboardingState(userID int64, state *string) error        { return nil }
func (s *stubUserRepo) SoftReset(userID int64) error                                   { return nil }
func (s *stubUserRepo) DeleteUserData(userID int64) error                              { return nil }

type stubPostRepo struct {
	post       domain.InteractivePost
	existing   bool
	completed  []int
	createSeen int
}

func (s *stubPostRepo) Create(post domain.InteractivePost) (domain.InteractivePost, bool, error) {
	s.createSeen++
	if s.existing {
		return s.post, false, nil
	}
	post.ID = 10
	s.post = post
	return post, true, nil
}
func (s *stubPostRepo) GetByID(id int64) (domain.InteractivePost, error) { return s.post, nil }
func (s *stubPostRepo) GetByChannelMsgID(msgID int64) (domain.InteractivePost, error) {
	return s.post, nil
}
func (s *stubPostRepo) ListIncomplete(userID int64) ([]domain.InteractivePost, error) {
	return []domain.InteractivePost{s.post}, nil
}
func (s *stubPostRepo) ListStaleIncomplete(olderThan time.Time) ([]domain.InteractivePost, error) {
	return []domain.InteractivePost{s.post}, nil
}
func (s *stubPostRepo) SetTaskCompleted(postID int64, task int) error {
	s.completed = append(s.completed, task)
	switch task {
	case 1:
		s.post.Task1Completed = true
	case 2:
		s.post.Task2Completed = true
	case 3:
		s.post.Task3Completed = true
	}
	return nil
}
func (s *stubPostRepo) SetRelaxation(postID int64, r domain.RelaxationType) error { return nil }

type stubLinkRepo struct {
	latest    domain.MessageLink
	processed []int64
	saved     []domain.MessageLink
}

func (s *stubLinkRepo) Save(link domain.MessageLink) (domain.MessageLink, error) {
	s.saved = append(s.saved, link)
	return link, nil
}
func (s *stubLinkRepo) GetByMessageID(chatID, messageID int64) (domain.MessageLink, error) {
	return s.latest, nil
}
func (s *stubLinkRepo) MarkProcessed(id int64) error {
	s.processed = append(s.processed, id)
	return nil
}
func (s *stubLinkRepo) UpdateText(id int64, text string) error { return nil }
func (s *stubLinkRepo) LatestUserMessage(postID int64) (domain.MessageLink, error) {
	return s.latest, nil
}

type stubGenerator struct {
	reply    string
	imageErr error
	calls    int
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	s.calls++
	return s.reply, nil
}
func (s *stubGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if s.imageErr != nil {
		return nil, s.imageErr
	}
	return []byte{1}, nil
}

type recordingSender struct {
	sent    []domain.OutgoingMessage
	nextID  int64
	sendErr error
}

func (s *recordingSender) Send(ctx context.Context, msg domain.OutgoingMessage) (int64, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, msg)
	s.nextID++
	return s.nextID, nil
}
func (s *recordingSender) Edit(ctx context.Context, chatID, msgID int64, text string, kb [][]domain.Button) error {
	return nil
}
func (s *recordingSender) Delete(ctx context.Context, chatID, msgID int64) error { return nil }

func newTestService(gen *stubGenerator, posts *stubPostRepo, links *stubLinkRepo, sender *recordingSender, user domain.User) *Service {
	log := zerolog.Nop()
	return NewService(
		&stubUserRepo{user: user},
		posts,
		links,
		nil,
		gen,
		nil,
		delivery.NewService(sender, log),
		sender,
		session.NewStore(),
		log,
	)
}

func testUser() domain.User {
	return domain.User{ID: 1, TGUserID: 100, Name: "Аня", DMEnabled: true}
}

func TestHandleResponseAdvancesThroughAllStates(t *testing.T) {
	gen := &stubGenerator{reply: "Слышу тебя, это правда непросто."}
	posts := &stubPostRepo{post: domain.InteractivePost{ID: 10, UserID: 1}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())
	ctx := context.Background()

	link := domain.MessageLink{ID: 1, MessageID: 50, ChatID: 100, Role: domain.RoleUserMessage, PostID: 10, Text: "день был тяжёлый"}
	if err := svc.HandleResponse(ctx, posts.post, testUser(), link); err != nil {
		t.Fatalf("переход из waiting_negative: %v", err)
	}
	if !posts.post.Task1Completed {
		t.Fatal("первая задача должна закрыться после выгрузки негатива")
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "схеме") {
		t.Fatalf("ожидали сообщение со схемой, получили %+v", sender.sent)
	}

	link2 := domain.MessageLink{ID: 2, MessageID: 51, ChatID: 100, Role: domain.RoleUserMessage, PostID: 10, Text: "гулял и пил какао"}
	if err := svc.HandleResponse(ctx, posts.post, testUser(), link2); err != nil {
		t.Fatalf("переход из waiting_positive: %v", err)
	}
	if !posts.post.Task2Completed {
		t.Fatal("вторая задача должна закрыться после плюшек")
	}

	if err := svc.HandleDone(ctx, 10, 100); err != nil {
		t.Fatalf("закрытие практики: %v", err)
	}
	if !posts.post.Finished() {
		t.Fatal("сессия должна быть завершена после кнопки практики")
	}
	last := sender.sent[len(sender.sent)-1]
	if last.Text != finishedText {
		t.Fatalf("ожидали поздравление, получили %q", last.Text)
	}
}

func TestHandleResponseSentinelDoesNotAdvance(t *testing.T) {
	gen := &stubGenerator{reply: domain.GenerationFailed}
	posts := &stubPostRepo{post: domain.InteractivePost{ID: 10, UserID: 1}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	link := domain.MessageLink{ID: 1, MessageID: 50, ChatID: 100, PostID: 10, Text: "плохой день"}
	if err := svc.HandleResponse(context.Background(), posts.post, testUser(), link); err != nil {
		t.Fatalf("сентинел не должен превращаться в ошибку: %v", err)
	}
	if posts.post.Task1Completed {
		t.Fatal("при сбое генерации состояние не должно продвигаться")
	}
	if len(links.processed) != 0 {
		t.Fatal("сообщение не должно помечаться обработанным при сбое генерации")
	}
	if len(sender.sent) != 1 || sender.sent[0].Text != apologyText {
		t.Fatalf("ожидали извинение, получили %+v", sender.sent)
	}
}

func TestHandleResponseFinishedSendsSupportiveReply(t *testing.T) {
	gen := &stubGenerator{reply: "ответ"}
	posts := &stubPostRepo{post: domain.InteractivePost{
		ID: 10, UserID: 1,
		Task1Completed: true, Task2Completed: true, Task3Completed: true,
	}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	link := domain.MessageLink{ID: 7, MessageID: 60, ChatID: 100, PostID: 10, Text: "ещё мысль"}
	if err := svc.HandleResponse(context.Background(), posts.post, testUser(), link); err != nil {
		t.Fatalf("ответ после завершения: %v", err)
	}
	if posts.post.State() != domain.StateFinished {
		t.Fatal("завершённая сессия не должна менять состояние")
	}
	if gen.calls != 0 {
		t.Fatal("поддерживающий ответ не должен ходить в LLM")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали один поддерживающий ответ, получили %d", len(sender.sent))
	}
	found := false
	for _, r := range supportiveReplies {
		if sender.sent[0].Text == r {
			found = true
		}
	}
	if !found {
		t.Fatalf("ответ %q не из пула поддержки", sender.sent[0].Text)
	}
	if len(links.processed) != 1 || links.processed[0] != 7 {
		t.Fatal("сообщение после завершения должно помечаться обработанным")
	}
}

func TestHandleSkipSchemaClosesFirstTask(t *testing.T) {
	gen := &stubGenerator{reply: "ответ"}
	posts := &stubPostRepo{post: domain.InteractivePost{ID: 10, UserID: 1}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	if err := svc.HandleSkipSchema(context.Background(), 10, 100); err != nil {
		t.Fatalf("пропуск схемы: %v", err)
	}
	if !posts.post.Task1Completed {
		t.Fatal("пропуск схемы должен закрывать первую задачу")
	}
	if posts.post.State() != domain.StateWaitingPositive {
		t.Fatalf("после пропуска ожидали waiting_positive, получили %s", posts.post.State())
	}

	// повторное нажатие ничего не меняет
	if err := svc.HandleSkipSchema(context.Background(), 10, 100); err != nil {
		t.Fatalf("повторный пропуск: %v", err)
	}
	if got := len(posts.completed); got != 1 {
		t.Fatalf("задача должна закрываться один раз, закрыта %d", got)
	}
}

func TestHandleResponseProcessedLinkIsIgnored(t *testing.T) {
	gen := &stubGenerator{reply: "ответ"}
	posts := &stubPostRepo{post: domain.InteractivePost{ID: 10, UserID: 1}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	link := domain.MessageLink{ID: 1, MessageID: 50, ChatID: 100, PostID: 10, Text: "текст", Processed: true}
	if err := svc.HandleResponse(context.Background(), posts.post, testUser(), link); err != nil {
		t.Fatalf("обработанное сообщение: %v", err)
	}
	if posts.post.Task1Completed || len(sender.sent) != 0 {
		t.Fatal("обработанное сообщение не должно вызывать переход")
	}
}

func TestCreateAndSendFallsBackOnBadJSON(t *testing.T) {
	gen := &stubGenerator{reply: "это не json", imageErr: errors.New("нет картинки")}
	posts := &stubPostRepo{}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	post, err := svc.CreateAndSend(context.Background(), testUser(), time.Now())
	if err != nil {
		t.Fatalf("создание поста с запасным текстом: %v", err)
	}
	fb := fallbackPayload()
	if post.Payload.Encouragement != fb.Encouragement {
		t.Fatal("при мусорном ответе LLM пост должен собираться из запасного текста")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("пост должен уйти ровно одной отправкой в DM, получили %d", len(sender.sent))
	}
}

func TestCreateAndSendLinksEveryDeliveredCopy(t *testing.T) {
	gen := &stubGenerator{reply: `{"encouragement":"держись","negative_prompt":"что расстроило?","positive_prompt":"что порадовало?","emotions_prompt":"что чувствуешь?"}`}
	posts := &stubPostRepo{}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	user := domain.User{ID: 1, TGUserID: 100, Name: "Аня", DMEnabled: true, ChannelEnabled: true, ChannelID: 500}
	svc := newTestService(gen, posts, links, sender, user)

	post, err := svc.CreateAndSend(context.Background(), user, time.Now())
	if err != nil {
		t.Fatalf("создание поста: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("пост должен уйти в канал и в DM, отправок %d", len(sender.sent))
	}
	// каждая доставленная копия получает свою запись, иначе кнопка
	// на DM-копии не найдёт пост
	if len(links.saved) != 2 {
		t.Fatalf("каждая копия должна привязываться к посту, записей %d", len(links.saved))
	}
	byChat := map[int64]domain.MessageLink{}
	for _, l := range links.saved {
		byChat[l.ChatID] = l
	}
	ch, dm := byChat[500], byChat[100]
	if ch.MessageID != 1 || dm.MessageID != 2 {
		t.Fatalf("записи должны хранить id конкретной копии: канал %d, DM %d", ch.MessageID, dm.MessageID)
	}
	for _, l := range []domain.MessageLink{ch, dm} {
		if l.PostID != post.ID || l.Role != domain.RoleBotTask1 || !l.Processed {
			t.Fatalf("запись копии собрана неверно: %+v", l)
		}
	}
}

func TestCreateAndSendIdempotentPerDate(t *testing.T) {
	gen := &stubGenerator{reply: `{"encouragement":"держись","negative_prompt":"что расстроило?","positive_prompt":"что порадовало?","emotions_prompt":"что чувствуешь?"}`}
	posts := &stubPostRepo{existing: true, post: domain.InteractivePost{ID: 10, UserID: 1}}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	svc := newTestService(gen, posts, links, sender, testUser())

	_, err := svc.CreateAndSend(context.Background(), testUser(), time.Now())
	if !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("повторное создание за дату должно возвращать ErrAlreadySent, получили %v", err)
	}
}

func TestCreateAndSendMutedUserSendsNothing(t *testing.T) {
	gen := &stubGenerator{reply: "ответ"}
	posts := &stubPostRepo{}
	links := &stubLinkRepo{}
	sender := &recordingSender{}
	user := domain.User{ID: 1, TGUserID: 100} // оба канала выключены
	svc := newTestService(gen, posts, links, sender, user)

	post, err := svc.CreateAndSend(context.Background(), user, time.Now())
	if err != nil {
		t.Fatalf("замьюченный пользователь не должен давать ошибку: %v", err)
	}
	if post.ID != 0 || posts.createSeen != 0 {
		t.Fatal("для замьюченного пользователя пост не создаётся")
	}
	if len(sender.sent) != 0 {
		t.Fatal("для замьюченного пользователя ничего не отправляется")
	}
}
