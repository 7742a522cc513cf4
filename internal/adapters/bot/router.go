package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// Ветки роутера: ровно одна из них забирает каждое входящее сообщение.
const (
	branchJoy      = "joy"
	branchPost     = "post"
	branchWorkflow = "workflow"
	branchFallback = "fallback"
)

// routeText классифицирует свободный текст по порядку приоритета:
// joy-сессия, незавершённый пост, ожидание workflow-движка, архив.
// Сообщение сохраняется в историю независимо от выигравшей ветки,
// а ожидающий таймер напоминания снимается.
func (h *Handler) routeText(ctx context.Context, msg *tgbotapi.Message, text string) {
	user, err := h.users.GetByTGID(msg.From.ID)
	if err != nil {
		h.log.Debug().Int64("user", msg.From.ID).Msg("сообщение от незарегистрированного пользователя")
		return
	}
	h.sessions.ClearReminder(user.ID)

	link := domain.MessageLink{
		MessageID: int64(msg.MessageID),
		ChatID:    msg.Chat.ID,
		Role:      domain.RoleUserMessage,
		Text:      text,
	}
	if msg.ReplyToMessage != nil {
		link.ReplyToID = int64(msg.ReplyToMessage.MessageID)
	}

	// история пишется до классификации: архив не зависит от веток
	link.PostID = h.resolvePostID(user, link)
	saved, err := h.links.Save(link)
	if err != nil {
		h.log.Error().Err(err).Int64("msg", link.MessageID).Msg("не удалось сохранить сообщение в историю")
		saved = link
	}

	h.dispatch(ctx, msg, saved)
}

// dispatch отдаёт сообщение ровно одной ветке.
func (h *Handler) dispatch(ctx context.Context, msg *tgbotapi.Message, link domain.MessageLink) {
	user, err := h.users.GetByTGID(msg.From.ID)
	if err != nil {
		return
	}

	if key, ok := h.sessions.ActiveJoyKey(user.ID); ok {
		metrics.IncRouterMatch(branchJoy)
		if link.Processed {
			return
		}
		if err := h.joyUC.HandleFreeText(ctx, key, link.ChatID, link.MessageID, link.Text); err != nil {
			h.log.Error().Err(err).Int64("user", user.TGUserID).Msg("joy-ветка не обработала сообщение")
			return
		}
		if link.ID != 0 {
			if err := h.links.MarkProcessed(link.ID); err != nil {
				h.log.Error().Err(err).Int64("link", link.ID).Msg("не удалось отметить сообщение")
			}
		}
		return
	}

	if post, ok := h.matchInteractivePost(user, link); ok {
		metrics.IncRouterMatch(branchPost)
		if err := h.eveningUC.HandleResponse(ctx, post, user, link); err != nil {
			h.log.Error().Err(err).Int64("post", post.ID).Msg("вечерняя ветка не обработала сообщение")
		}
		return
	}

	if post, ok := h.matchMorningPost(user, link); ok {
		metrics.IncRouterMatch(branchPost)
		if err := h.morningUC.HandleResponse(ctx, post, user, link); err != nil {
			h.log.Error().Err(err).Int64("post", post.ID).Msg("утренняя ветка не обработала сообщение")
		}
		return
	}

	if sess, ok := h.workflowUC.Waiting(link.ChatID); ok {
		metrics.IncRouterMatch(branchWorkflow)
		if err := h.workflowUC.Resume(ctx, sess, user.TGUserID, link.Text, "", "text"); err != nil {
			h.log.Error().Err(err).Int64("chat", link.ChatID).Msg("resume по сообщению не сработал")
		}
		return
	}

	// сообщение уже в архиве; автоответы — фича-флаг, по умолчанию выключены
	metrics.IncRouterMatch(branchFallback)
	if h.autoReply && h.gen != nil {
		if reply, genErr := h.gen.Generate(ctx, "Ответь тепло и коротко на сообщение: "+link.Text); genErr == nil && !domain.IsGenerationFailed(reply) {
			h.reply(ctx, link.ChatID, reply, nil)
		}
	}
}

// matchInteractivePost ищет вечерний пост для сообщения. Reply-to или тред
// выбирает пост однозначно, в том числе уже завершённый (ответ на него
// получает поддерживающую реплику); без них берётся самый свежий
// незавершённый.
func (h *Handler) matchInteractivePost(user domain.User, link domain.MessageLink) (domain.InteractivePost, bool) {
	if link.ReplyToID != 0 {
		if post, err := h.posts.GetByChannelMsgID(link.ReplyToID); err == nil && post.ID != 0 && post.UserID == user.ID {
			return post, true
		}
		// ответ мог быть на промежуточное сообщение бота внутри сессии
		if ref, err := h.links.GetByMessageID(link.ChatID, link.ReplyToID); err == nil && ref.PostID != 0 {
			if post, err := h.posts.GetByID(ref.PostID); err == nil && post.UserID == user.ID {
				return post, true
			}
		}
	}

	incomplete, err := h.posts.ListIncomplete(user.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось получить незавершённые посты")
		return domain.InteractivePost{}, false
	}
	if len(incomplete) == 0 {
		return domain.InteractivePost{}, false
	}
	return incomplete[0], true
}

func (h *Handler) matchMorningPost(user domain.User, link domain.MessageLink) (domain.MorningPost, bool) {
	post, err := h.morningPosts.GetForDate(user.ID, time.Now().UTC())
	if err != nil || post.ID == 0 {
		return domain.MorningPost{}, false
	}
	if post.Step != domain.MorningWaitingResponse {
		return domain.MorningPost{}, false
	}
	if link.ReplyToID != 0 && link.ReplyToID != post.ChannelMsgID {
		return domain.MorningPost{}, false
	}
	return post, true
}

// resolvePostID вычисляет владельца сообщения для архивной записи.
func (h *Handler) resolvePostID(user domain.User, link domain.MessageLink) int64 {
	if post, ok := h.matchInteractivePost(user, link); ok {
		return post.ID
	}
	return 0
}
