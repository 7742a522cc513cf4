package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// ChannelCTA дописывается к копии поста в канале, приглашая в комментарии.
// К DM-копии и интро-постам суффикс не применяется.
const ChannelCTA = "\n\nУвидимся в комментариях 🐸"

// Options уточняют разовую доставку.
type Options struct {
	// Intro — онбординг-пост: CTA не добавляется даже в канал.
	Intro    bool
	Photo    []byte
	Keyboard [][]domain.Button
}

// Result описывает исход fan-out: ошибки назначений независимы.
type Result struct {
	ChannelMsgID int64
	DMMsgID      int64
	ChannelErr   error
	DMErr        error
}

// Sent возвращает число успешных отправок.
func (r Result) Sent() int {
	n := 0
	if r.ChannelMsgID != 0 && r.ChannelErr == nil {
		n++
	}
	if r.DMMsgID != 0 && r.DMErr == nil {
		n++
	}
	return n
}

// Mode выводит режим доставки исходного поста для записи в БД.
func (r Result) Mode() domain.DeliveryMode {
	if r.ChannelMsgID != 0 {
		return domain.DeliveryChannel
	}
	return domain.DeliveryDM
}

// AnchorMsgID — id сообщения, к которому привязывается сессия:
// канальное, если оно было, иначе DM.
func (r Result) AnchorMsgID() int64 {
	if r.ChannelMsgID != 0 {
		return r.ChannelMsgID
	}
	return r.DMMsgID
}

// Service решает, сколько копий сообщения отправить и куда,
// по настройкам доставки пользователя.
type Service struct {
	sender domain.Sender
	log    zerolog.Logger
}

// NewService создаёт fan-out.
func NewService(sender domain.Sender, log zerolog.Logger) *Service {
	return &Service{sender: sender, log: log}
}

// Deliver отправляет текст по правилам доставки пользователя.
// Полностью замьюченный пользователь не получает ничего — это не ошибка.
func (s *Service) Deliver(ctx context.Context, user domain.User, text string, opts Options) Result {
	var res Result

	toChannel := user.ChannelEnabled && user.HasChannel()
	toDM := user.DMEnabled

	if toChannel {
		body := text
		if !opts.Intro {
			body += ChannelCTA
		}
		id, err := s.sender.Send(ctx, domain.OutgoingMessage{
			ChatID:   user.ChannelID,
			Text:     body,
			Photo:    opts.Photo,
			Keyboard: opts.Keyboard,
		})
		metrics.IncFanoutSend("channel", err)
		res.ChannelMsgID, res.ChannelErr = id, err
		if err != nil {
			// потеря прав в канале не мешает доставке в DM
			s.log.Error().Err(err).Int64("user", user.TGUserID).Int64("channel", user.ChannelID).Msg("не удалось отправить в канал")
		}
	}

	if toDM {
		// DM-копия всегда без CTA: вне канала фраза не имеет смысла
		id, err := s.sender.Send(ctx, domain.OutgoingMessage{
			ChatID:   user.ChatID(),
			Text:     text,
			Photo:    opts.Photo,
			Keyboard: opts.Keyboard,
		})
		metrics.IncFanoutSend("dm", err)
		res.DMMsgID, res.DMErr = id, err
		if err != nil {
			s.log.Error().Err(err).Int64("user", user.TGUserID).Msg("не удалось отправить в личку")
		}
	}

	return res
}
