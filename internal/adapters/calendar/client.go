package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// Client читает события пользователя из внешнего календарного сервиса.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient создаёт клиента календаря.
func NewClient(baseURL, token string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

var _ domain.Calendar = (*Client)(nil)

type eventPayload struct {
	Summary      string    `json:"summary"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Location     string    `json:"location"`
	Transparency string    `json:"transparency"`
}

// EventsForUser возвращает события пользователя на ближайшие сутки.
func (c *Client) EventsForUser(ctx context.Context, userID int64) ([]domain.CalendarEvent, error) {
	endpoint := fmt.Sprintf("%s/users/%d/events", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("calendar: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("calendar", "list_events", strconv.FormatInt(userID, 10), start, err)
	if err != nil {
		return nil, fmt.Errorf("calendar: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("calendar: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var payload []eventPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("calendar: decode response: %w", err)
	}
	events := make([]domain.CalendarEvent, 0, len(payload))
	for _, e := range payload {
		events = append(events, domain.CalendarEvent{
			Summary:      e.Summary,
			Start:        e.Start,
			End:          e.End,
			Location:     e.Location,
			Transparency: e.Transparency,
		})
	}
	return events, nil
}

// ProbablyBusy сообщает, занят ли пользователь в указанный момент.
// Прозрачные (transparent) события не считаются занятостью.
func ProbablyBusy(events []domain.CalendarEvent, at time.Time) bool {
	for _, e := range events {
		if strings.EqualFold(e.Transparency, "transparent") {
			continue
		}
		if !at.Before(e.Start) && at.Before(e.End) {
			return true
		}
	}
	return false
}

// Empty — календарь-заглушка без событий.
type Empty struct{}

// EventsForUser возвращает пустой список.
func (Empty) EventsForUser(context.Context, int64) ([]domain.CalendarEvent, error) {
	return nil, nil
}
