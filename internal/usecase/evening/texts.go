package evening

import (
	"fmt"
	"strings"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
)

// Продуктовые тексты вечернего ритуала. Сгенерированные LLM части
// подставляются в эти каркасы.

const schemaText = "Давай разложим это по схеме:\n" +
	"1⃣ Триггер — что запустило?\n" +
	"2⃣ Мысли — что пронеслось в голове?\n" +
	"3⃣ Эмоции — что почувствовал(а)?\n" +
	"4⃣ Тело — где отозвалось?\n" +
	"5⃣ Поведение — что сделал(а) или захотелось сделать?"

const apologyText = "Кажется, у меня лапки 🐸 Попробуй ответить ещё раз чуть позже."

var supportiveReplies = []string{
	"Я рядом 🐸",
	"Спасибо, что делишься. Это важно.",
	"Слышу тебя. Обнимаю лапками.",
	"Ты молодец, что проживаешь это, а не прячешь.",
}

func renderPost(payload domain.PostPayload) string {
	var b strings.Builder
	b.WriteString(payload.Encouragement)
	b.WriteString("\n\n1. ")
	b.WriteString(payload.NegativePrompt)
	b.WriteString("\n\n2. ")
	b.WriteString(payload.PositivePrompt)
	b.WriteString("\n\n3. ")
	b.WriteString(payload.EmotionsPrompt)
	return b.String()
}

func renderPlushkiPrompt(payload domain.PostPayload) string {
	return payload.PositivePrompt + "\n\n" + payload.EmotionsPrompt
}

func renderPracticePrompt(relaxation domain.RelaxationType) string {
	practice := "дыхательную практику: четыре медленных вдоха и выдоха, выдох длиннее вдоха"
	if relaxation == domain.RelaxationBody {
		practice = "практику для тела: медленно пройдись вниманием от макушки до стоп и отпусти напряжение"
	}
	return fmt.Sprintf("Остался последний шаг. Сделай %s. Нажми кнопку, когда закончишь 🐸", practice)
}

const finishedText = "Ты справился(ась) со всеми шагами на сегодня. Горжусь тобой 🐸💚"

func fallbackPayload() domain.PostPayload {
	return domain.PostPayload{
		Encouragement:  "Привет! Как ты сегодня? Я здесь, рядом.",
		NegativePrompt: "Выгрузи всё неприятное, что накопилось за день — просто напиши.",
		PositivePrompt: "А теперь вспомни плюшки — маленькие приятности этого дня.",
		EmotionsPrompt: "Какие эмоции это вызвало? Назови их словами.",
	}
}
