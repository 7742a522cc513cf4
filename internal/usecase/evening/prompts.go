package evening

import (
	"fmt"
	"strings"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
)

// payloadPrompt просит у модели наполнение вечернего поста строго в JSON.
func payloadPrompt(user domain.User, probablyBusy bool) string {
	var b strings.Builder
	b.WriteString("Сгенерируй наполнение вечернего поста психологической поддержки.\n")
	b.WriteString("Ответь строго JSON-объектом с полями: encouragement, negative_prompt, positive_prompt, emotions_prompt.\n")
	b.WriteString("Никакого текста вне JSON.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	if user.Gender != "" {
		fmt.Fprintf(&b, "Пол пользователя: %s — согласуй глагольные формы.\n", user.Gender)
	}
	if user.Request != "" {
		fmt.Fprintf(&b, "Запрос пользователя к боту: %s.\n", user.Request)
	}
	if probablyBusy {
		b.WriteString("У пользователя сегодня, судя по календарю, был плотный день — сделай тон мягче и задания короче.\n")
	}
	return b.String()
}

// schemaReplyPrompt — тёплый отклик на выгрузку негатива.
func schemaReplyPrompt(user domain.User, text string) string {
	var b strings.Builder
	b.WriteString("Пользователь поделился тем, что его расстроило сегодня. Ответь коротко (2-3 предложения), тепло и без оценок.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	fmt.Fprintf(&b, "Сообщение пользователя: %s", text)
	return b.String()
}

// plushkiReplyPrompt — отклик на список приятных моментов дня.
func plushkiReplyPrompt(user domain.User, text string) string {
	var b strings.Builder
	b.WriteString("Пользователь перечислил приятные моменты дня. Порадуйся вместе с ним коротко (1-2 предложения), не повторяя его список дословно.\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Имя пользователя: %s.\n", user.Name)
	}
	fmt.Fprintf(&b, "Сообщение пользователя: %s", text)
	return b.String()
}

// imagePrompt — иллюстрация к вечернему посту.
func imagePrompt(payload domain.PostPayload) string {
	return "Уютная акварельная иллюстрация: маленький зелёный лягушонок вечером за чашкой чая. " +
		"Тёплые приглушённые цвета, без текста на картинке. Настроение: " + payload.Encouragement
}
