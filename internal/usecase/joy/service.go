package joy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/adapters/telegram"
	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/delivery"
	"github.com/o-maan/psyfroggybot-sub001/internal/usecase/session"
)

// ErrNoActiveSession возвращается, если кнопка пришла без живой сессии
// (например, после рестарта бота).
var ErrNoActiveSession = errors.New("активная joy-сессия не найдена")

// inlineRemoveLimit — до этого размера список удаляется кнопками,
// дальше включается текстовый режим с номерами.
const inlineRemoveLimit = 10

const (
	introText = "Давай соберём твой список радостей 🐸\n" +
		"Пиши по одному сообщению на каждую вещь, которая даёт тебе энергию.\n" +
		"Когда закончишь — нажми кнопку."
	donePromptText = "Записал! Продолжай или нажми кнопку, когда закончишь."
	emptyListText  = "Список пока пуст. Хочешь добавить первую радость?"
	clearAskText   = "Точно удалить весь список? Это действие необратимо."
	clearedText    = "Список очищен. Начнём заново?"
	removeTextMode = "Список длинный, поэтому напиши номера пунктов для удаления " +
		"(через запятую или пробел, можно несколькими сообщениями), затем нажми «Готово»."
	weeklyIntroText = "Воскресный пост радостей 🐸\n" +
		"Неделя позади — самое время пополнить список того, что даёт тебе энергию.\n" +
		"Пиши по одному сообщению на каждый пункт, а когда закончишь — жми кнопку."
)

// Service — общая машина накопления и прореживания списка радостей.
// Короткий (/joy) и длинный (еженедельный) флоу отличаются только ключом
// сессии, вся логика одна.
type Service struct {
	joys     domain.JoyRepo
	engage   domain.EngagementRepo
	gen      domain.Generator
	sender   domain.Sender
	fanout   *delivery.Service
	sessions *session.Store
	log      zerolog.Logger
}

// NewService создаёт сервис списка радостей.
func NewService(joys domain.JoyRepo, engage domain.EngagementRepo, gen domain.Generator, sender domain.Sender, fanout *delivery.Service, sessions *session.Store, log zerolog.Logger) *Service {
	return &Service{joys: joys, engage: engage, gen: gen, sender: sender, fanout: fanout, sessions: sessions, log: log}
}

// StartAccumulation включает режим добавления для ключа сессии.
// Персистентный список не трогается до коммита.
func (s *Service) StartAccumulation(ctx context.Context, key session.Key, chatID int64) error {
	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.AddMode = true
		sess.RemovalMode = false
	})
	_, err := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:   chatID,
		Text:     introText,
		Keyboard: [][]domain.Button{{{Label: "Готово ✅", Data: commitData(key)}}},
	})
	return err
}

// WeeklyPost отправляет еженедельный пост радостей и открывает длинную
// сессию накопления. В пост попадает сводка изменений с прошлого раза и,
// если генерация удалась, пара свежих идей от лягушонка.
func (s *Service) WeeklyPost(ctx context.Context, user domain.User) error {
	changed, err := s.joys.ListSinceCheckpoint(user.ID)
	if err != nil {
		return fmt.Errorf("чтение изменений списка: %w", err)
	}
	existing, err := s.joys.List(user.ID)
	if err != nil {
		return fmt.Errorf("чтение списка радостей: %w", err)
	}

	var b strings.Builder
	b.WriteString(weeklyIntroText)
	if len(changed) > 0 {
		b.WriteString("\n\nС прошлого поста в списке появилось:\n")
		for i, item := range changed {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item.Text)
		}
	}
	if suggested := s.suggest(ctx, user, existing); len(suggested) > 0 {
		b.WriteString("\nА вот что добавил от себя лягушонок:\n")
		for _, item := range suggested {
			b.WriteString("• " + item.Text + "\n")
		}
	}

	key := session.Key{UserID: user.ID, Kind: session.KindJoyLong}
	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.AddMode = true
		sess.RemovalMode = false
	})

	res := s.fanout.Deliver(ctx, user, b.String(), delivery.Options{
		Keyboard: [][]domain.Button{{{Label: "Готово ✅", Data: commitData(key)}}},
	})
	if res.Sent() == 0 {
		s.sessions.DeleteJoy(key)
		if res.ChannelErr != nil || res.DMErr != nil {
			return fmt.Errorf("доставка поста радостей: channel=%v dm=%v", res.ChannelErr, res.DMErr)
		}
		// пользователь полностью замьючен — поста нет, и это не ошибка
		return nil
	}

	if err := s.joys.Checkpoint(user.ID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Int64("user", user.ID).Msg("не удалось сдвинуть чекпоинт")
	}
	metrics.IncPostSent(string(domain.PostKindJoy))
	s.recordEngagement(ctx, domain.EngagementPostSent, user.ID, map[string]any{"kind": "joy_weekly", "changed": len(changed)})
	return nil
}

// suggest просит LLM предложить до двух свежих пунктов по мотивам списка
// и сохраняет их с происхождением auto. Сбой генерации оставляет пост без идей.
func (s *Service) suggest(ctx context.Context, user domain.User, existing []domain.JoySource) []domain.JoySource {
	if len(existing) == 0 {
		return nil
	}
	raw, err := s.gen.Generate(ctx, suggestPrompt(existing))
	if err != nil || domain.IsGenerationFailed(raw) {
		s.log.Warn().Err(err).Int64("user", user.TGUserID).Msg("идеи для списка не сгенерировались")
		return nil
	}
	var ideas []string
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &ideas); err != nil {
		s.log.Warn().Err(err).Msg("ответ LLM с идеями не распарсился")
		return nil
	}
	ideas = nonEmpty(ideas)
	if len(ideas) > 2 {
		ideas = ideas[:2]
	}
	if len(ideas) == 0 {
		return nil
	}
	added, err := s.joys.Add(user.ID, ideas, domain.JoyAuto)
	if err != nil {
		s.log.Error().Err(err).Int64("user", user.ID).Msg("не удалось сохранить идеи")
		return nil
	}
	return added
}

// HandleFreeText принимает свободный текст внутри активной сессии:
// в режиме добавления копит буфер, в режиме удаления собирает номера.
func (s *Service) HandleFreeText(ctx context.Context, key session.Key, chatID, msgID int64, text string) error {
	sess, ok := s.sessions.Joy(key)
	if !ok {
		return ErrNoActiveSession
	}
	switch {
	case sess.RemovalMode:
		nums := parseNumbers(text)
		s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
			sess.RemovalNumbers[msgID] = nums
		})
		return nil
	case sess.AddMode:
		return s.appendPending(ctx, key, chatID, msgID, text)
	}
	return ErrNoActiveSession
}

// HandleEdit заменяет вклад отредактированного сообщения.
// И буфер добавления, и номера удаления хранятся по id сообщения,
// поэтому правка меняет только свой вклад, не создавая нового.
func (s *Service) HandleEdit(key session.Key, msgID int64, text string) {
	sess, ok := s.sessions.Joy(key)
	if !ok {
		return
	}
	switch {
	case sess.RemovalMode:
		if _, seen := sess.RemovalNumbers[msgID]; !seen {
			return
		}
		s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
			sess.RemovalNumbers[msgID] = parseNumbers(text)
		})
	case sess.AddMode:
		if _, seen := sess.PendingByMsg[msgID]; !seen {
			return
		}
		s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
			if idx, ok := sess.PendingByMsg[msgID]; ok && idx < len(sess.Pending) {
				sess.Pending[idx] = strings.TrimSpace(text)
			}
		})
	}
}

func (s *Service) appendPending(ctx context.Context, key session.Key, chatID, msgID int64, text string) error {
	sess := s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		trimmed := strings.TrimSpace(text)
		// повторная доставка того же сообщения заменяет вклад, не дублируя
		if idx, ok := sess.PendingByMsg[msgID]; ok && idx < len(sess.Pending) {
			sess.Pending[idx] = trimmed
			return
		}
		sess.Pending = append(sess.Pending, trimmed)
		sess.PendingByMsg[msgID] = len(sess.Pending) - 1
	})
	// скользящий промпт: старый удаляем, чтобы кнопка «Готово» была одна
	if sess.PromptMsgID != 0 {
		if err := s.sender.Delete(ctx, sess.PromptChatID, sess.PromptMsgID); err != nil {
			s.log.Debug().Err(err).Int64("msg", sess.PromptMsgID).Msg("старый промпт не удалился")
		}
	}
	msgID, err := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:   chatID,
		Text:     donePromptText,
		Keyboard: [][]domain.Button{{{Label: "Готово ✅", Data: commitData(key)}}},
	})
	if err != nil {
		return err
	}
	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.PromptChatID = chatID
		sess.PromptMsgID = msgID
	})
	return nil
}

// Commit переносит накопленный буфер в персистентный список:
// LLM правит грамматику и отбрасывает смысловые дубли, при сбое —
// наивная дедупликация по нормализованной строке.
func (s *Service) Commit(ctx context.Context, user domain.User, key session.Key, chatID int64) error {
	sess, ok := s.sessions.Joy(key)
	if !ok || !sess.AddMode {
		return ErrNoActiveSession
	}

	existing, err := s.joys.List(user.ID)
	if err != nil {
		return fmt.Errorf("чтение списка радостей: %w", err)
	}

	survivors := s.refine(ctx, sess.Pending, existing)
	var added []domain.JoySource
	if len(survivors) > 0 {
		added, err = s.joys.Add(user.ID, survivors, domain.JoyManual)
		if err != nil {
			return fmt.Errorf("сохранение радостей: %w", err)
		}
	}

	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.Pending = nil
		sess.PendingByMsg = make(map[int64]int)
		sess.AddMode = false
		sess.PromptChatID = 0
		sess.PromptMsgID = 0
	})

	if len(added) > 0 {
		s.recordEngagement(ctx, domain.EngagementJoyCommitted, user.ID, map[string]any{"added": len(added)})
	}
	return s.View(ctx, user, key, chatID)
}

// View показывает пронумерованный список с кнопками управления.
func (s *Service) View(ctx context.Context, user domain.User, key session.Key, chatID int64) error {
	list, err := s.joys.List(user.ID)
	if err != nil {
		return fmt.Errorf("чтение списка радостей: %w", err)
	}
	if len(list) == 0 {
		_, err = s.sender.Send(ctx, domain.OutgoingMessage{
			ChatID:   chatID,
			Text:     emptyListText,
			Keyboard: [][]domain.Button{{{Label: "Добавить ➕", Data: addData(key)}}},
		})
		return err
	}

	var b strings.Builder
	b.WriteString("Твои источники радости:\n")
	for i, item := range list {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item.Text)
	}
	_, err = s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID: chatID,
		Text:   b.String(),
		Keyboard: [][]domain.Button{
			{{Label: "Добавить ➕", Data: addData(key)}, {Label: "Удалить 🗑", Data: removeData(key)}},
			{{Label: "Продолжить ▶️", Data: closeData(key)}},
		},
	})
	return err
}

// StartRemoval выбирает режим удаления по размеру списка:
// до inlineRemoveLimit — кнопка на пункт, дальше — номера текстом.
func (s *Service) StartRemoval(ctx context.Context, user domain.User, key session.Key, chatID int64) error {
	list, err := s.joys.List(user.ID)
	if err != nil {
		return fmt.Errorf("чтение списка радостей: %w", err)
	}
	if len(list) == 0 {
		return s.View(ctx, user, key, chatID)
	}

	if len(list) <= inlineRemoveLimit {
		keyboard := make([][]domain.Button, 0, len(list))
		for i, item := range list {
			keyboard = append(keyboard, []domain.Button{{
				Label: fmt.Sprintf("%d. %s", i+1, telegram.TruncateRunes(item.Text, 40)),
				Data:  fmt.Sprintf("joy_del:%s:%d", key.Kind, item.ID),
			}})
		}
		_, err = s.sender.Send(ctx, domain.OutgoingMessage{
			ChatID:   chatID,
			Text:     "Что убрать из списка?",
			Keyboard: keyboard,
		})
		return err
	}

	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.RemovalMode = true
		sess.AddMode = false
		sess.RemovalNumbers = make(map[int64][]int)
	})
	_, err = s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:   chatID,
		Text:     removeTextMode,
		Keyboard: [][]domain.Button{{{Label: "Готово ✅", Data: confirmData(key)}}},
	})
	return err
}

// DeleteOne удаляет один пункт по кнопке и сдвигает чекпоинт.
func (s *Service) DeleteOne(ctx context.Context, user domain.User, key session.Key, chatID, sourceID int64) error {
	if err := s.joys.Delete(user.ID, []int64{sourceID}); err != nil {
		return fmt.Errorf("удаление радости: %w", err)
	}
	if err := s.joys.Checkpoint(user.ID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Int64("user", user.ID).Msg("не удалось сдвинуть чекпоинт")
	}
	return s.View(ctx, user, key, chatID)
}

// ConfirmRemoval объединяет номера из всех сообщений, резолвит их против
// актуального порядка списка и выполняет одно массовое удаление.
// Номера за пределами текущего списка молча игнорируются.
func (s *Service) ConfirmRemoval(ctx context.Context, user domain.User, key session.Key, chatID int64) error {
	sess, ok := s.sessions.Joy(key)
	if !ok || !sess.RemovalMode {
		return ErrNoActiveSession
	}

	list, err := s.joys.List(user.ID)
	if err != nil {
		return fmt.Errorf("чтение списка радостей: %w", err)
	}

	seen := make(map[int]bool)
	var ids []int64
	for _, nums := range sess.RemovalNumbers {
		for _, n := range nums {
			if n < 1 || n > len(list) || seen[n] {
				continue
			}
			seen[n] = true
			ids = append(ids, list[n-1].ID)
		}
	}

	if len(ids) > 0 {
		if err := s.joys.Delete(user.ID, ids); err != nil {
			return fmt.Errorf("массовое удаление радостей: %w", err)
		}
		if err := s.joys.Checkpoint(user.ID, time.Now().UTC()); err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Msg("не удалось сдвинуть чекпоинт")
		}
	}

	s.sessions.UpdateJoy(key, func(sess *session.JoySession) {
		sess.RemovalMode = false
		sess.RemovalNumbers = make(map[int64][]int)
	})
	return s.View(ctx, user, key, chatID)
}

// RequestClearAll показывает двухкнопочное подтверждение перед полной очисткой.
func (s *Service) RequestClearAll(ctx context.Context, key session.Key, chatID int64) error {
	_, err := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID: chatID,
		Text:   clearAskText,
		Keyboard: [][]domain.Button{{
			{Label: "Да, удалить", Data: wipeData(key)},
			{Label: "Оставить", Data: closeData(key)},
		}},
	})
	return err
}

// ConfirmClearAll стирает весь список и предлагает начать новый.
func (s *Service) ConfirmClearAll(ctx context.Context, user domain.User, key session.Key, chatID int64) error {
	if err := s.joys.Clear(user.ID); err != nil {
		return fmt.Errorf("очистка списка радостей: %w", err)
	}
	s.sessions.DeleteJoy(key)
	_, err := s.sender.Send(ctx, domain.OutgoingMessage{
		ChatID:   chatID,
		Text:     clearedText,
		Keyboard: [][]domain.Button{{{Label: "Добавить ➕", Data: addData(key)}}},
	})
	return err
}

// Close завершает сессию без изменений списка.
func (s *Service) Close(key session.Key) {
	s.sessions.DeleteJoy(key)
}

// refine — грамматика и смысловые дубли через LLM, при сбое наивная
// дедупликация по нормализованной строке.
func (s *Service) refine(ctx context.Context, pending []string, existing []domain.JoySource) []string {
	pending = nonEmpty(pending)
	if len(pending) == 0 {
		return nil
	}

	raw, err := s.gen.Generate(ctx, refinePrompt(pending, existing))
	if err != nil || domain.IsGenerationFailed(raw) {
		s.log.Warn().Err(err).Msg("LLM-дедупликация не удалась, используем наивную")
		return naiveDedup(pending, existing)
	}
	var refined []string
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &refined); err != nil {
		s.log.Warn().Err(err).Msg("ответ LLM-дедупликации не распарсился, используем наивную")
		return naiveDedup(pending, existing)
	}
	return nonEmpty(refined)
}

func naiveDedup(pending []string, existing []domain.JoySource) []string {
	known := make(map[string]bool, len(existing))
	for _, item := range existing {
		known[normalize(item.Text)] = true
	}
	var out []string
	for _, text := range pending {
		key := normalize(text)
		if key == "" || known[key] {
			continue
		}
		known[key] = true
		out = append(out, text)
	}
	return out
}

func (s *Service) recordEngagement(ctx context.Context, event string, userID int64, meta map[string]any) {
	if s.engage == nil {
		return
	}
	e := domain.EngagementEvent{Event: event, UserID: &userID, Metadata: meta, OccurredAt: time.Now().UTC()}
	if err := s.engage.RecordEngagement(ctx, e); err != nil {
		s.log.Error().Err(err).Msg("не удалось записать событие")
	}
}

func suggestPrompt(existing []domain.JoySource) string {
	var b strings.Builder
	b.WriteString("Вот список источников радости пользователя:\n")
	for _, item := range existing {
		b.WriteString("- " + item.Text + "\n")
	}
	b.WriteString("Предложи не больше двух новых пунктов в том же духе, коротко и конкретно.\n")
	b.WriteString("Ответь строго JSON-массивом строк. Пустой массив, если добавить нечего.\n")
	return b.String()
}

func refinePrompt(pending []string, existing []domain.JoySource) string {
	var b strings.Builder
	b.WriteString("Пользователь пополняет список источников радости.\n")
	b.WriteString("Исправь грамматику и орфографию в новых пунктах и выбрось те, что по смыслу дублируют существующие или друг друга.\n")
	b.WriteString("Ответь строго JSON-массивом строк — выжившими новыми пунктами. Пустой массив, если новых нет.\n")
	b.WriteString("Существующие пункты:\n")
	for _, item := range existing {
		b.WriteString("- " + item.Text + "\n")
	}
	b.WriteString("Новые пункты:\n")
	for _, text := range pending {
		b.WriteString("- " + text + "\n")
	}
	return b.String()
}

// parseNumbers вынимает 1-based номера из свободного текста:
// запятые, пробелы и прочие разделители равнозначны.
func parseNumbers(text string) []int {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r < '0' || r > '9'
	})
	var out []int
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func nonEmpty(items []string) []string {
	var out []string
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			out = append(out, strings.TrimSpace(item))
		}
	}
	return out
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func commitData(key session.Key) string  { return "joy_commit:" + string(key.Kind) }
func addData(key session.Key) string     { return "joy_add:" + string(key.Kind) }
func removeData(key session.Key) string  { return "joy_remove:" + string(key.Kind) }
func confirmData(key session.Key) string { return "joy_confirm:" + string(key.Kind) }
func closeData(key session.Key) string   { return "joy_close:" + string(key.Kind) }
func wipeData(key session.Key) string    { return "joy_wipe:" + string(key.Kind) }
