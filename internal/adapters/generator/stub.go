package generator

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
)

// Stub имитирует LLM-бэкенд: детерминированные ответы без сети.
// Используется в dev-окружении без ключа API и в тестах.
type Stub struct{}

// NewStub создаёт заглушку.
func NewStub() *Stub {
	return &Stub{}
}

var _ domain.Generator = (*Stub)(nil)

var stubReplies = []string{
	"Сегодня был непростой день, и ты справляешься.",
	"Попробуй заметить три маленьких радости вокруг.",
	"Дыши глубже — это уже помогает.",
}

// Generate возвращает детерминированный ответ по хэшу промпта.
func (s *Stub) Generate(_ context.Context, prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return domain.GenerationFailed, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(trimmed))
	return stubReplies[int(h.Sum32())%len(stubReplies)], nil
}

// GenerateImage возвращает однопиксельный PNG.
func (s *Stub) GenerateImage(_ context.Context, _ string) ([]byte, error) {
	// минимальный валидный PNG 1x1
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}, nil
}
