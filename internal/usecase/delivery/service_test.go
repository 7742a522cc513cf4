package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
)

type fakeSender struct {
	sends    []domain.OutgoingMessage
	failChat map[int64]error
	nextID   int64
}

func (f *fakeSender) Send(_ context.Context, msg domain.OutgoingMessage) (int64, error) {
	if err, ok := f.failChat[msg.ChatID]; ok {
		return 0, err
	}
	f.sends = append(f.sends, msg)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) Edit(context.Context, int64, int64, string, [][]domain.Button) error {
	return nil
}

func (f *fakeSender) Delete(context.Context, int64, int64) error { return nil }

func newService(sender *fakeSender) *Service {
	return NewService(sender, zerolog.Nop())
}

func TestDeliverChannelAndDM(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender)
	user := domain.User{TGUserID: 10, DMEnabled: true, ChannelEnabled: true, ChannelID: -100}

	res := svc.Deliver(context.Background(), user, "привет", Options{})
	if res.Sent() != 2 {
		t.Fatalf("ожидали 2 отправки, получили %d", res.Sent())
	}
	if len(sender.sends) != 2 {
		t.Fatalf("ожидали 2 вызова транспорта, получили %d", len(sender.sends))
	}
	if sender.sends[0].ChatID != -100 {
		t.Fatalf("первая отправка должна идти в канал, ушла в %d", sender.sends[0].ChatID)
	}
	if !strings.HasSuffix(sender.sends[0].Text, ChannelCTA) {
		t.Fatal("канальная копия должна содержать CTA")
	}
	if sender.sends[1].ChatID != 10 {
		t.Fatalf("вторая отправка должна идти в личку, ушла в %d", sender.sends[1].ChatID)
	}
	if strings.Contains(sender.sends[1].Text, strings.TrimSpace(ChannelCTA)) {
		t.Fatal("DM-копия не должна содержать CTA")
	}
	if res.Mode() != domain.DeliveryChannel {
		t.Fatalf("режим доставки: %s", res.Mode())
	}
}

func TestDeliverDMOnly(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender)
	user := domain.User{TGUserID: 10, DMEnabled: true, ChannelEnabled: true} // канал включён, но id нет

	res := svc.Deliver(context.Background(), user, "привет", Options{})
	if res.Sent() != 1 || len(sender.sends) != 1 {
		t.Fatalf("ожидали ровно одну отправку: %+v", res)
	}
	if sender.sends[0].ChatID != 10 || strings.Contains(sender.sends[0].Text, "комментариях") {
		t.Fatalf("ожидали чистую DM-копию: %+v", sender.sends[0])
	}
	if res.Mode() != domain.DeliveryDM {
		t.Fatalf("режим доставки: %s", res.Mode())
	}
}

func TestDeliverMutedUser(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender)
	user := domain.User{TGUserID: 10}

	res := svc.Deliver(context.Background(), user, "привет", Options{})
	if res.Sent() != 0 || len(sender.sends) != 0 {
		t.Fatal("замьюченный пользователь не должен получать сообщений")
	}
	if res.ChannelErr != nil || res.DMErr != nil {
		t.Fatal("молчание — не ошибка")
	}
}

func TestDeliverChannelOnly(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender)
	user := domain.User{TGUserID: 10, ChannelEnabled: true, ChannelID: -100}

	res := svc.Deliver(context.Background(), user, "привет", Options{})
	if res.Sent() != 1 || len(sender.sends) != 1 || sender.sends[0].ChatID != -100 {
		t.Fatalf("ожидали единственную канальную отправку: %+v", res)
	}
}

func TestDeliverIntroWithoutCTA(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender)
	user := domain.User{TGUserID: 10, DMEnabled: true, ChannelEnabled: true, ChannelID: -100}

	svc.Deliver(context.Background(), user, "знакомство", Options{Intro: true})
	if strings.Contains(sender.sends[0].Text, "комментариях") {
		t.Fatal("интро-пост не должен содержать CTA даже в канале")
	}
}

func TestDeliverChannelFailureDoesNotBlockDM(t *testing.T) {
	sender := &fakeSender{failChat: map[int64]error{-100: errors.New("bot is not admin")}}
	svc := newService(sender)
	user := domain.User{TGUserID: 10, DMEnabled: true, ChannelEnabled: true, ChannelID: -100}

	res := svc.Deliver(context.Background(), user, "привет", Options{})
	if res.ChannelErr == nil {
		t.Fatal("ожидали ошибку канала")
	}
	if res.DMErr != nil || res.DMMsgID == 0 {
		t.Fatal("ошибка канала не должна блокировать DM")
	}
	if res.Mode() != domain.DeliveryDM {
		t.Fatalf("якорь должен упасть на DM: %s", res.Mode())
	}
}
