package bot

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/evening"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/joy"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/morning"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/workflow"
)

type stubUserRepo struct {
	user domain.User
}

func (s *stubUserRepo) UpsertByTGID(p domain.TelegramProfile) (domain.User, bool, error) {
	return s.user, true, nil
}
func (s *stubUserRepo) GetByTGID(tgUserID int64) (domain.User, error) { return s.user, nil }
func (s *stubUserRepo) GetByID(id int64) (domain.User, error)         { return s.user, nil }
func (s *stubUserRepo) ListForEveningTime(nowUTC time.Time) ([]domain.User, error) { return nil, nil }
func (s *stubUserRepo) ListForMorningTime(nowUTC time.Time) ([]domain.User, error) { return nil, nil }
func (s *stubUserRepo) ListActive() ([]domain.User, error)                         { return nil, nil }
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
	incomplete []domain.InteractivePost
	completed  []int
}

func (s *stubPostRepo) Create(post domain.InteractivePost) (domain.InteractivePost, bool, error) {
	return post, true, nil
}
func (s *stubPostRepo) GetByID(id int64) (domain.InteractivePost, error) {
	for _, post := range s.incomplete {
		if post.ID == id {
			return post, nil
		}
	}
	return domain.InteractivePost{}, nil
}
func (s *stubPostRepo) GetByChannelMsgID(msgID int64) (domain.InteractivePost, error) {
	for _, post := range s.incomplete {
		if post.ChannelMsgID == msgID {
			return post, nil
		}
	}
	return domain.InteractivePost{}, nil
}
func (s *stubPostRepo) ListIncomplete(userID int64) ([]domain.InteractivePost, error) {
	var out []domain.InteractivePost
	for _, post := range s.incomplete {
		if !post.Finished() {
			out = append(out, post)
		}
	}
	return out, nil
}
func (s *stubPostRepo) ListStaleIncomplete(olderThan time.Time) ([]domain.InteractivePost, error) {
	return nil, nil
}
func (s *stubPostRepo) SetTaskCompleted(postID int64, task int) error {
	s.completed = append(s.completed, task)
	return nil
}
func (s *stubPostRepo) SetRelaxation(postID int64, r domain.RelaxationType) error { return nil }

type stubMorningRepo struct{}

func (s *stubMorningRepo) Create(post domain.MorningPost) (domain.MorningPost, bool, error) {
	return post, true, nil
}
func (s *stubMorningRepo) GetForDate(userID int64, date time.Time) (domain.MorningPost, error) {
	return domain.MorningPost{}, nil
}
func (s *stubMorningRepo) GetByChannelMsgID(msgID int64) (domain.MorningPost, error) {
	return domain.MorningPost{}, nil
}
func (s *stubMorningRepo) Complete(postID int64, trophy bool) error { return nil }

type stubLinkRepo struct {
	byMsg     map[int64]domain.MessageLink
	saved     []domain.MessageLink
	updated   map[int64]string
	processed []int64
	nextID    int64
}

func newStubLinkRepo() *stubLinkRepo {
	return &stubLinkRepo{byMsg: map[int64]domain.MessageLink{}, updated: map[int64]string{}}
}

func (s *stubLinkRepo) Save(link domain.MessageLink) (domain.MessageLink, error) {
	s.nextID++
	link.ID = s.nextID
	s.saved = append(s.saved, link)
	s.byMsg[link.MessageID] = link
	return link, nil
}
func (s *stubLinkRepo) GetByMessageID(chatID, messageID int64) (domain.MessageLink, error) {
	return s.byMsg[messageID], nil
}
func (s *stubLinkRepo) MarkProcessed(id int64) error {
	s.processed = append(s.processed, id)
	for msgID, link := range s.byMsg {
		if link.ID == id {
			link.Processed = true
			s.byMsg[msgID] = link
		}
	}
	return nil
}
func (s *stubLinkRepo) UpdateText(id int64, text string) error {
	s.updated[id] = text
	return nil
}
func (s *stubLinkRepo) LatestUserMessage(postID int64) (domain.MessageLink, error) {
	return domain.MessageLink{}, nil
}

type stubJoyRepo struct{}

func (s *stubJoyRepo) List(userID int64) ([]domain.JoySource, error) { return nil, nil }
func (s *stubJoyRepo) Add(userID int64, texts []string, p domain.JoyProvenance) ([]domain.JoySource, error) {
	return nil, nil
}
func (s *stubJoyRepo) Delete(userID int64, ids []int64) error      { return nil }
func (s *stubJoyRepo) Clear(userID int64) error                    { return nil }
func (s *stubJoyRepo) Checkpoint(userID int64, at time.Time) error { return nil }
func (s *stubJoyRepo) ListSinceCheckpoint(userID int64) ([]domain.JoySource, error) {
	return nil, nil
}

type stubGenerator struct{ reply string }

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

type memCache struct{ data map[string][]byte }

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Once(key string, ttl time.Duration, fn func() error) error { return fn() }
func (c *memCache) Set(key string, value []byte, ttl time.Duration) error {
	c.data[key] = value
	return nil
}
func (c *memCache) Get(key string) ([]byte, error) { return c.data[key], nil }
func (c *memCache) Del(key string) error {
	delete(c.data, key)
	return nil
}

type stubQueue struct{ jobs []domain.PostJob }

func (s *stubQueue) Enqueue(ctx context.Context, job domain.PostJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}
func (s *stubQueue) Receive(ctx context.Context) (domain.PostJob, domain.PostAckFunc, error) {
	return domain.PostJob{}, nil, context.Canceled
}

type harness struct {
	handler *Handler
	sender  *recordingSender
	posts   *stubPostRepo
	links   *stubLinkRepo
	store   *session.Store
	queue   *stubQueue
}

func newHarness(user domain.User, posts *stubPostRepo) *harness {
	log := zerolog.Nop()
	sender := &recordingSender{}
	links := newStubLinkRepo()
	store := session.NewStore()
	gen := &stubGenerator{reply: "тёплый ответ"}
	users := &stubUserRepo{user: user}
	fanout := delivery.NewService(sender, log)
	queue := &stubQueue{}

	eveningUC := evening.NewService(users, posts, links, nil, gen, nil, fanout, sender, store, log)
	morningUC := morning.NewService(users, &stubMorningRepo{}, links, nil, gen, fanout, sender, log)
	joyUC := joy.NewService(&stubJoyRepo{}, nil, gen, sender, fanout, store, log)
	workflowUC := workflow.NewService(newMemCache(), sender, time.Second, time.Hour, log)

	h := NewHandler(nil, sender, log, users, posts, &stubMorningRepo{}, links, nil,
		eveningUC, morningUC, joyUC, workflowUC, store, queue, gen, false)
	return &harness{handler: h, sender: sender, posts: posts, links: links, store: store, queue: queue}
}

func incomingMessage(msgID int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: msgID,
		From:      &tgbotapi.User{ID: 100, FirstName: "Аня"},
		Chat:      &tgbotapi.Chat{ID: 100},
		Text:      text,
	}
}

func TestRouterJoySessionWinsOverIncompletePost(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1}}}
	h := newHarness(user, posts)

	h.store.UpdateJoy(session.Key{UserID: 1, Kind: session.KindJoyShort}, func(sess *session.JoySession) {
		sess.AddMode = true
	})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "утренний кофе")})

	sess, _ := h.store.Joy(session.Key{UserID: 1, Kind: session.KindJoyShort})
	if len(sess.Pending) != 1 || sess.Pending[0] != "утренний кофе" {
		t.Fatalf("joy-сессия должна забрать сообщение: %+v", sess.Pending)
	}
	if len(h.posts.completed) != 0 {
		t.Fatal("вечерний пост не должен продвигаться, пока активна joy-сессия")
	}
	if len(h.links.saved) != 1 {
		t.Fatal("сообщение должно сохраниться в историю")
	}
}

func TestRouterEditInJoySessionReplacesContribution(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	h := newHarness(user, &stubPostRepo{})

	key := session.Key{UserID: 1, Kind: session.KindJoyShort}
	h.store.UpdateJoy(key, func(sess *session.JoySession) {
		sess.AddMode = true
	})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "кофе")})
	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{EditedMessage: incomingMessage(50, "кофе с молоком")})

	sess, _ := h.store.Joy(key)
	if len(sess.Pending) != 1 || sess.Pending[0] != "кофе с молоком" {
		t.Fatalf("правка одного сообщения не должна удваивать буфер: %+v", sess.Pending)
	}
	if len(h.links.processed) != 1 {
		t.Fatalf("обработанное joy-сообщение должно помечаться один раз: %v", h.links.processed)
	}
}

func TestStartClearsActiveJoySession(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	h := newHarness(user, &stubPostRepo{})

	h.store.UpdateJoy(session.Key{UserID: 1, Kind: session.KindJoyShort}, func(sess *session.JoySession) {
		sess.AddMode = true
	})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "/start")})

	if _, ok := h.store.ActiveJoyKey(1); ok {
		t.Fatal("/start должен сбрасывать joy-сессию")
	}
}

func TestSkipSchemaOnDMCopyResolvesPost(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1, ChannelMsgID: 900}}}
	h := newHarness(user, posts)

	// у DM-копии поста собственный message id, в постах его нет
	h.links.byMsg[77] = domain.MessageLink{ID: 5, MessageID: 77, ChatID: 100, PostID: 10, Role: domain.RoleBotTask1}

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    "skip_schema:0",
		From:    &tgbotapi.User{ID: 100},
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: 100}},
	}})

	if len(h.posts.completed) != 1 || h.posts.completed[0] != 1 {
		t.Fatalf("кнопка на DM-копии должна закрывать первое задание: %v", h.posts.completed)
	}
}

func TestRouterRoutesToMostRecentIncompletePost(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{
		{ID: 11, UserID: 1, ChannelMsgID: 200},
		{ID: 10, UserID: 1, ChannelMsgID: 100},
	}}
	h := newHarness(user, posts)

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "тяжёлый день")})

	// без reply-to берётся первый в выдаче (самый свежий) незавершённый пост
	if len(h.posts.completed) != 1 {
		t.Fatalf("вечерняя ветка должна обработать сообщение: %v", h.posts.completed)
	}
	if h.links.saved[0].PostID != 11 {
		t.Fatalf("сообщение должно привязаться к свежему посту, привязано к %d", h.links.saved[0].PostID)
	}
}

func TestRouterReplyToPicksOlderPost(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{
		{ID: 11, UserID: 1, ChannelMsgID: 200},
		{ID: 10, UserID: 1, ChannelMsgID: 100},
	}}
	h := newHarness(user, posts)

	msg := incomingMessage(50, "это про вчерашнее")
	msg.ReplyToMessage = &tgbotapi.Message{MessageID: 100}
	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})

	if h.links.saved[0].PostID != 10 {
		t.Fatalf("reply-to должен выбрать старый пост, выбран %d", h.links.saved[0].PostID)
	}
}

func TestRouterFallbackArchivesWithoutReply(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	h := newHarness(user, &stubPostRepo{})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "просто мысль")})

	if len(h.links.saved) != 1 {
		t.Fatal("сообщение без сессии должно попасть в архив")
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("без сессии бот не отвечает (автоответы выключены): %+v", h.sender.sent)
	}
}

func TestRouterEditOfProcessedMessageOnlyUpdatesText(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	posts := &stubPostRepo{incomplete: []domain.InteractivePost{{ID: 10, UserID: 1}}}
	h := newHarness(user, posts)

	h.links.byMsg[50] = domain.MessageLink{ID: 7, MessageID: 50, ChatID: 100, PostID: 10, Processed: true}

	edited := incomingMessage(50, "поправил текст")
	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{EditedMessage: edited})

	if h.links.updated[7] != "поправил текст" {
		t.Fatal("правка должна обновить сохранённый текст")
	}
	if len(h.posts.completed) != 0 {
		t.Fatal("правка обработанного сообщения не должна повторять переход")
	}
	if len(h.sender.sent) != 0 {
		t.Fatal("правка обработанного сообщения не должна порождать отправки")
	}
}

func TestAdminCommandEnqueuesJob(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true, IsAdmin: true}
	h := newHarness(user, &stubPostRepo{})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "/fly")})

	if len(h.queue.jobs) != 1 || h.queue.jobs[0].Kind != domain.PostKindEvening {
		t.Fatalf("команда /fly должна ставить вечерний пост в очередь: %+v", h.queue.jobs)
	}
	if h.queue.jobs[0].Cause != domain.PostCauseManual {
		t.Fatal("админский пост должен помечаться ручным")
	}
}

func TestAdminCommandRejectedForRegularUser(t *testing.T) {
	user := domain.User{ID: 1, TGUserID: 100, DMEnabled: true}
	h := newHarness(user, &stubPostRepo{})

	h.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: incomingMessage(50, "/fly")})

	if len(h.queue.jobs) != 0 {
		t.Fatal("обычный пользователь не может ставить посты в очередь")
	}
}

func TestParseJoyData(t *testing.T) {
	action, kind, itemID := parseJoyData("joy_del:joy_short:15")
	if action != "joy_del" || kind != "joy_short" || itemID != 15 {
		t.Fatalf("joy_del разобран неверно: %s %s %d", action, kind, itemID)
	}
	action, kind, itemID = parseJoyData("joy_commit:joy_long")
	if action != "joy_commit" || kind != "joy_long" || itemID != 0 {
		t.Fatalf("joy_commit разобран неверно: %s %s %d", action, kind, itemID)
	}
}

func TestParseID(t *testing.T) {
	if parseID("practice_done:42") != 42 {
		t.Fatal("id из callback-данных разобран неверно")
	}
	if parseID("мусор") != 0 {
		t.Fatal("данные без id должны давать ноль")
	}
}
