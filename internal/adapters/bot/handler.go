package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/evening"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/joy"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/morning"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/workflow"
)

const resetConfirmWindow = 5 * time.Minute

// Handler обслуживает входящие апдейты бота.
type Handler struct {
	bot          *tgbotapi.BotAPI
	sender       domain.Sender
	log          zerolog.Logger
	users        domain.UserRepo
	posts        domain.InteractivePostRepo
	morningPosts domain.MorningPostRepo
	links        domain.MessageLinkRepo
	engage       domain.EngagementRepo
	eveningUC    *evening.Service
	morningUC    *morning.Service
	joyUC        *joy.Service
	workflowUC   *workflow.Service
	sessions     *session.Store
	jobs         domain.PostQueue
	gen          domain.Generator
	autoReply    bool

	mu           sync.Mutex
	pendingReset map[int64]time.Time
}

// NewHandler создаёт обработчик.
func NewHandler(
	bot *tgbotapi.BotAPI,
	sender domain.Sender,
	log zerolog.Logger,
	users domain.UserRepo,
	posts domain.InteractivePostRepo,
	morningPosts domain.MorningPostRepo,
	links domain.MessageLinkRepo,
	engage domain.EngagementRepo,
	eveningUC *evening.Service,
	morningUC *morning.Service,
	joyUC *joy.Service,
	workflowUC *workflow.Service,
	sessions *session.Store,
	jobs domain.PostQueue,
	gen domain.Generator,
	autoReply bool,
) *Handler {
	return &Handler{
		bot:          bot,
		sender:       sender,
		log:          log,
		users:        users,
		posts:        posts,
		morningPosts: morningPosts,
		links:        links,
		engage:       engage,
		eveningUC:    eveningUC,
		morningUC:    morningUC,
		joyUC:        joyUC,
		workflowUC:   workflowUC,
		sessions:     sessions,
		jobs:         jobs,
		gen:          gen,
		autoReply:    autoReply,
		pendingReset: make(map[int64]time.Time),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.EditedMessage != nil:
		h.handleEdited(ctx, upd.EditedMessage)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		h.handleCommand(ctx, msg, text)
		return
	}
	h.routeText(ctx, msg, text)
}

// handleEdited обновляет сохранённый текст и перезапускает роутинг только
// для ещё не обработанных сообщений: побочные эффекты не повторяются.
func (h *Handler) handleEdited(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)

	link, err := h.links.GetByMessageID(msg.Chat.ID, int64(msg.MessageID))
	if err != nil || link.ID == 0 {
		h.routeText(ctx, msg, text)
		return
	}
	if err := h.links.UpdateText(link.ID, text); err != nil {
		h.log.Error().Err(err).Int64("link", link.ID).Msg("не удалось обновить текст сообщения")
	}

	// правка номера в текстовом режиме удаления меняет только свой вклад
	if user, uerr := h.users.GetByTGID(msg.From.ID); uerr == nil {
		if key, ok := h.sessions.ActiveJoyKey(user.ID); ok {
			h.joyUC.HandleEdit(key, int64(msg.MessageID), text)
		}
	}

	if link.Processed {
		return
	}
	link.Text = text
	h.dispatch(ctx, msg, link)
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message, text string) {
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(ctx, msg.Chat.ID, h.buildHelpMessage(), nil)
	case strings.HasPrefix(text, "/joy_clear"):
		h.withUser(ctx, msg, func(user domain.User) {
			key := session.Key{UserID: user.ID, Kind: session.KindJoyShort}
			if err := h.joyUC.RequestClearAll(ctx, key, msg.Chat.ID); err != nil {
				h.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось запросить очистку списка")
			}
		})
	case strings.HasPrefix(text, "/joy"):
		h.withUser(ctx, msg, func(user domain.User) {
			key := session.Key{UserID: user.ID, Kind: session.KindJoyShort}
			if err := h.joyUC.View(ctx, user, key, msg.Chat.ID); err != nil {
				h.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось показать список радостей")
			}
		})
	case strings.HasPrefix(text, "/me"):
		h.withUser(ctx, msg, func(user domain.User) {
			h.reply(ctx, msg.Chat.ID, buildProfileMessage(user), nil)
		})
	case strings.HasPrefix(text, "/reset_confirm"):
		h.handleResetConfirm(ctx, msg)
	case strings.HasPrefix(text, "/reset"):
		h.handleResetRequest(ctx, msg)
	case strings.HasPrefix(text, "/fly"):
		h.handleAdminPost(ctx, msg, domain.PostKindEvening)
	case strings.HasPrefix(text, "/morning"):
		h.handleAdminPost(ctx, msg, domain.PostKindMorning)
	case strings.HasPrefix(text, "/angry"):
		h.handleAdminPost(ctx, msg, domain.PostKindAngry)
	default:
		h.reply(ctx, msg.Chat.ID, "Не знаю такой команды. Посмотри /help 🐸", nil)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	name := strings.TrimSpace(msg.From.FirstName)
	user, created, err := h.users.UpsertByTGID(domain.TelegramProfile{
		TGUserID: msg.From.ID,
		Name:     name,
		Locale:   msg.From.LanguageCode,
	})
	if err != nil {
		h.reply(ctx, msg.Chat.ID, "Не получилось сохранить профиль. Попробуй ещё раз чуть позже.", nil)
		return
	}
	h.sessions.ClearUser(user.ID)
	if created {
		h.recordEngagement(ctx, domain.EngagementUserRegistered, user.ID)
	}
	h.reply(ctx, msg.Chat.ID, buildWelcomeMessage(user), nil)
}

func (h *Handler) handleResetRequest(ctx context.Context, msg *tgbotapi.Message) {
	h.mu.Lock()
	h.pendingReset[msg.From.ID] = time.Now()
	h.mu.Unlock()
	h.reply(ctx, msg.Chat.ID, "Сброс удалит прогресс и список радостей. Отправь /reset_confirm в течение 5 минут, чтобы подтвердить.", nil)
}

func (h *Handler) handleResetConfirm(ctx context.Context, msg *tgbotapi.Message) {
	h.mu.Lock()
	requested, ok := h.pendingReset[msg.From.ID]
	delete(h.pendingReset, msg.From.ID)
	h.mu.Unlock()
	if !ok || time.Since(requested) > resetConfirmWindow {
		h.reply(ctx, msg.Chat.ID, "Запрос не найден. Сначала отправь /reset", nil)
		return
	}
	h.withUser(ctx, msg, func(user domain.User) {
		if err := h.users.SoftReset(user.ID); err != nil {
			h.reply(ctx, msg.Chat.ID, "Не получилось сбросить данные. Попробуй позже.", nil)
			return
		}
		h.sessions.ClearUser(user.ID)
		h.recordEngagement(ctx, domain.EngagementUserReset, user.ID)
		h.reply(ctx, msg.Chat.ID, "Готово, начинаем с чистого листа. Отправь /start 🐸", nil)
	})
}

// handleAdminPost ставит задачу генерации в очередь: сама генерация с
// картинкой занимает десятки секунд и не должна держать цикл апдейтов.
func (h *Handler) handleAdminPost(ctx context.Context, msg *tgbotapi.Message, kind domain.PostKind) {
	h.withUser(ctx, msg, func(user domain.User) {
		if !user.IsAdmin {
			h.reply(ctx, msg.Chat.ID, "Эта команда только для админов.", nil)
			return
		}
		targetTGID := user.TGUserID
		if arg := commandArg(msg.Text); arg != "" {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				h.reply(ctx, msg.Chat.ID, "Укажи числовой id пользователя, например /fly 123456", nil)
				return
			}
			targetTGID = id
		}
		now := time.Now().UTC()
		job := domain.PostJob{
			Kind:        kind,
			UserTGID:    targetTGID,
			ChatID:      msg.Chat.ID,
			Date:        now,
			RequestedAt: now,
			Cause:       domain.PostCauseManual,
		}
		if err := h.jobs.Enqueue(ctx, job); err != nil {
			h.log.Error().Err(err).Str("kind", string(kind)).Int64("user", targetTGID).Msg("не удалось поставить задачу поста")
			h.reply(ctx, msg.Chat.ID, "Не удалось поставить пост в очередь, попробуй позже", nil)
			return
		}
		h.reply(ctx, msg.Chat.ID, "Принял, пост скоро уйдёт 🐸", nil)
	})
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	switch {
	case strings.HasPrefix(data, "skip_schema:"):
		postID := parseID(data)
		if postID == 0 {
			// кнопка висит на самом посте, id восстанавливаем по сообщению
			if post, err := h.posts.GetByChannelMsgID(int64(cb.Message.MessageID)); err == nil && post.ID != 0 {
				postID = post.ID
			}
		}
		if postID == 0 {
			// нажатие на DM-копии поста: у неё свой message id, пост находим по записи в истории
			if ref, err := h.links.GetByMessageID(chatID, int64(cb.Message.MessageID)); err == nil && ref.PostID != 0 {
				postID = ref.PostID
			}
		}
		if err := h.eveningUC.HandleSkipSchema(ctx, postID, chatID); err != nil {
			h.log.Error().Err(err).Int64("post", postID).Msg("пропуск схемы не сработал")
		}
	case strings.HasPrefix(data, "practice_done:"):
		if err := h.eveningUC.HandleDone(ctx, parseID(data), chatID); err != nil {
			h.log.Error().Err(err).Str("data", data).Msg("закрытие практики не сработало")
		}
	case strings.HasPrefix(data, "practice_snooze:"):
		if err := h.eveningUC.HandleSnooze(ctx, parseID(data), chatID); err != nil {
			h.log.Error().Err(err).Str("data", data).Msg("отсрочка практики не сработала")
		}
	case strings.HasPrefix(data, "joy_"):
		h.handleJoyCallback(ctx, cb, data)
	default:
		// неизвестный callback может принадлежать внешнему workflow-движку
		if sess, ok := h.workflowUC.Waiting(chatID); ok {
			if err := h.workflowUC.Resume(ctx, sess, cb.From.ID, "", data, "callback"); err != nil {
				h.log.Error().Err(err).Int64("chat", chatID).Msg("resume по callback не сработал")
			}
		}
	}

	h.answerCallback(cb)
}

func (h *Handler) handleJoyCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, data string) {
	chatID := cb.Message.Chat.ID
	user, err := h.users.GetByTGID(cb.From.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", cb.From.ID).Msg("joy-callback от незнакомого пользователя")
		return
	}

	action, kind, itemID := parseJoyData(data)
	key := session.Key{UserID: user.ID, Kind: session.Kind(kind)}

	var opErr error
	switch action {
	case "joy_add":
		opErr = h.joyUC.StartAccumulation(ctx, key, chatID)
	case "joy_commit":
		opErr = h.joyUC.Commit(ctx, user, key, chatID)
	case "joy_remove":
		opErr = h.joyUC.StartRemoval(ctx, user, key, chatID)
	case "joy_confirm":
		opErr = h.joyUC.ConfirmRemoval(ctx, user, key, chatID)
	case "joy_del":
		opErr = h.joyUC.DeleteOne(ctx, user, key, chatID, itemID)
	case "joy_wipe":
		opErr = h.joyUC.ConfirmClearAll(ctx, user, key, chatID)
	case "joy_close":
		h.joyUC.Close(key)
		h.reply(ctx, chatID, "Хорошо! Возвращайся к списку через /joy 🐸", nil)
	}
	if opErr != nil && !errors.Is(opErr, joy.ErrNoActiveSession) {
		h.log.Error().Err(opErr).Str("action", action).Int64("user", user.TGUserID).Msg("joy-действие не сработало")
	}
	if errors.Is(opErr, joy.ErrNoActiveSession) {
		h.reply(ctx, chatID, "Сессия уже закрыта. Открой список заново: /joy", nil)
	}
}

func (h *Handler) withUser(ctx context.Context, msg *tgbotapi.Message, fn func(domain.User)) {
	user, err := h.users.GetByTGID(msg.From.ID)
	if err != nil {
		h.reply(ctx, msg.Chat.ID, "Мы ещё не знакомы. Отправь /start 🐸", nil)
		return
	}
	fn(user)
}

func (h *Handler) answerCallback(cb *tgbotapi.CallbackQuery) {
	if h.bot == nil {
		return
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, keyboard [][]domain.Button) {
	if _, err := h.sender.Send(ctx, domain.OutgoingMessage{ChatID: chatID, Text: text, Keyboard: keyboard}); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось отправить сообщение")
	}
}

func (h *Handler) recordEngagement(ctx context.Context, event string, userID int64) {
	if h.engage == nil {
		return
	}
	e := domain.EngagementEvent{Event: event, UserID: &userID, OccurredAt: time.Now().UTC()}
	if err := h.engage.RecordEngagement(ctx, e); err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("не удалось записать событие")
	}
}

func parseID(data string) int64 {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	return id
}

// parseJoyData разбирает "joy_del:<kind>:<id>" и "joy_<action>:<kind>".
func parseJoyData(data string) (action, kind string, itemID int64) {
	parts := strings.Split(data, ":")
	action = parts[0]
	if len(parts) > 1 {
		kind = parts[1]
	}
	if len(parts) > 2 {
		itemID, _ = strconv.ParseInt(parts[2], 10, 64)
	}
	return action, kind, itemID
}

func commandArg(text string) string {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func buildWelcomeMessage(user domain.User) string {
	lines := []string{
		"Привет! Я лягушонок-помощник 🐸",
		"",
		"Каждый вечер я буду присылать тебе небольшой ритуал:",
		"1. Выгрузить то, что расстроило.",
		"2. Вспомнить приятные моменты — плюшки.",
		"3. Сделать короткую практику расслабления.",
		"",
		"А ещё у нас есть список радостей: /joy.",
		"Профиль и настройки: /me. Полный список команд: /help.",
	}
	if user.Name != "" {
		lines[0] = fmt.Sprintf("Привет, %s! Я лягушонок-помощник 🐸", user.Name)
	}
	return strings.Join(lines, "\n")
}

func buildProfileMessage(user domain.User) string {
	dm := "выключены"
	if user.DMEnabled {
		dm = "включены"
	}
	channel := "не подключён"
	if user.HasChannel() && user.ChannelEnabled {
		channel = "подключён"
	}
	lines := []string{
		"Твой профиль:",
		fmt.Sprintf("• Имя: %s", orDash(user.Name)),
		fmt.Sprintf("• Запрос: %s", orDash(user.Request)),
		fmt.Sprintf("• Вечерний пост: %s", orDash(user.EveningAt)),
		fmt.Sprintf("• Утренний пост: %s", orDash(user.MorningAt)),
		fmt.Sprintf("• Личные сообщения: %s", dm),
		fmt.Sprintf("• Канал: %s", channel),
	}
	return strings.Join(lines, "\n")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "—"
	}
	return value
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"Что я умею:",
		"",
		"• /joy — список твоих радостей: посмотреть, пополнить, почистить.",
		"• /joy_clear — стереть список радостей целиком.",
		"• /me — профиль и настройки доставки.",
		"• /reset — начать с чистого листа (с подтверждением).",
		"",
		"Вечером я сам напишу тебе и проведу через ритуал из трёх шагов.",
		"Утром пришлю маленькое задание на день.",
	}
	return strings.Join(lines, "\n")
}
