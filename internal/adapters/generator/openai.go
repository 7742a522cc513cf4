package generator

import (
	"context"
	"strings"
	"time"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	openai "github.com/o-maan/psyfroggybot-sub001/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateImage(ctx context.Context, req openai.ImageRequest) ([]byte, error)
}

// OpenAI реализует domain.Generator через OpenAI API.
type OpenAI struct {
	client     chatClient
	model      string
	imageModel string
	timeout    time.Duration
}

// NewOpenAI создаёт провайдер генерации.
func NewOpenAI(client chatClient, model, imageModel string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, imageModel: imageModel, timeout: timeout}
}

var _ domain.Generator = (*OpenAI)(nil)

const systemPrompt = "Ты — тёплый и бережный помощник психологической поддержки. " +
	"Пиши по-русски, коротко и по-человечески, без канцелярита и без советов свысока."

// Generate возвращает текст по промпту. Мусорный или пустой ответ модели
// превращается в строку-сентинел, а не в ошибку: транспорт здесь ни при чём.
func (g *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: 0.7,
		MaxTokens:   700,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt},
			{Role: openai.RoleUser, Content: prompt},
		},
	}
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return domain.GenerationFailed, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return domain.GenerationFailed, nil
	}
	return content, nil
}

// GenerateImage возвращает байты сгенерированной картинки.
func (g *OpenAI) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.client.CreateImage(ctx, openai.ImageRequest{
		Model:  g.imageModel,
		Prompt: prompt,
		Size:   "1024x1024",
	})
}
