package domain

import "strings"

// GenerationFailed — строка-сентинел, которую LLM-бэкенд возвращает вместо
// текста, когда модель не смогла сгенерировать осмысленный ответ.
// Транспортные сбои возвращаются обычной ошибкой, этот сентинел — нет.
const GenerationFailed = "ГЕНЕРАЦИЯ_ОШИБКА"

// IsGenerationFailed проверяет ответ генератора на сентинел ошибки.
func IsGenerationFailed(text string) bool {
	return strings.Contains(strings.TrimSpace(text), GenerationFailed)
}
