package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// Joys реализует domain.JoyRepo.
type Joys struct {
	pool *pgxpool.Pool
}

var _ domain.JoyRepo = (*Joys)(nil)

// List возвращает список радостей пользователя в порядке добавления.
func (r *Joys) List(userID int64) ([]domain.JoySource, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, text, provenance, created_at
FROM joy_sources
WHERE user_id = $1
ORDER BY created_at, id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "joy_list", "joy_sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJoySources(rows)
}

// Add сохраняет порцию записей и возвращает их с присвоенными id.
func (r *Joys) Add(userID int64, texts []string, provenance domain.JoyProvenance) ([]domain.JoySource, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
INSERT INTO joy_sources (user_id, text, provenance)
SELECT $1, unnest($2::text[]), $3
RETURNING id, user_id, text, provenance, created_at
`, userID, texts, string(provenance))
	metrics.ObserveNetworkRequest("postgres", "joy_add", "joy_sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJoySources(rows)
}

// Delete удаляет записи по id, чужие id игнорируются.
func (r *Joys) Delete(userID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
DELETE FROM joy_sources WHERE user_id = $1 AND id = ANY($2::bigint[])
`, userID, ids)
	metrics.ObserveNetworkRequest("postgres", "joy_delete", "joy_sources", start, err)
	return err
}

// Clear удаляет весь список радостей пользователя.
func (r *Joys) Clear(userID int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `DELETE FROM joy_sources WHERE user_id = $1`, userID)
	metrics.ObserveNetworkRequest("postgres", "joy_clear", "joy_sources", start, err)
	return err
}

// Checkpoint фиксирует момент, после которого записи считаются новыми.
func (r *Joys) Checkpoint(userID int64, at time.Time) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `UPDATE users SET joy_checkpoint = $2 WHERE id = $1`, userID, at)
	metrics.ObserveNetworkRequest("postgres", "joy_checkpoint", "users", start, err)
	return err
}

// ListSinceCheckpoint возвращает записи, добавленные после последней фиксации.
func (r *Joys) ListSinceCheckpoint(userID int64) ([]domain.JoySource, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT j.id, j.user_id, j.text, j.provenance, j.created_at
FROM joy_sources j
JOIN users u ON u.id = j.user_id
WHERE j.user_id = $1 AND (u.joy_checkpoint IS NULL OR j.created_at > u.joy_checkpoint)
ORDER BY j.created_at, j.id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "joy_list_since", "joy_sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJoySources(rows)
}

func collectJoySources(rows pgx.Rows) ([]domain.JoySource, error) {
	var items []domain.JoySource
	for rows.Next() {
		var item domain.JoySource
		if err := rows.Scan(&item.ID, &item.UserID, &item.Text, &item.Provenance, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MessageLinks реализует domain.MessageLinkRepo.
type MessageLinks struct {
	pool *pgxpool.Pool
}

var _ domain.MessageLinkRepo = (*MessageLinks)(nil)

const linkColumns = `id, message_id, chat_id, role, COALESCE(post_id, 0), COALESCE(reply_to_id, 0), text, processed, created_at`

func scanMessageLink(row pgx.Row) (domain.MessageLink, error) {
	var link domain.MessageLink
	err := row.Scan(&link.ID, &link.MessageID, &link.ChatID, &link.Role, &link.PostID,
		&link.ReplyToID, &link.Text, &link.Processed, &link.CreatedAt)
	return link, err
}

// Save сохраняет связь сообщения, на повтор (chat_id, message_id) возвращает существующую.
func (r *MessageLinks) Save(link domain.MessageLink) (domain.MessageLink, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	saved, err := scanMessageLink(r.pool.QueryRow(ctx, `
INSERT INTO message_links (message_id, chat_id, role, post_id, reply_to_id, text)
VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, 0), $6)
ON CONFLICT (chat_id, message_id) DO UPDATE SET text = EXCLUDED.text
RETURNING `+linkColumns+`
`, link.MessageID, link.ChatID, string(link.Role), link.PostID, link.ReplyToID, link.Text))
	metrics.ObserveNetworkRequest("postgres", "links_save", "message_links", start, err)
	return saved, err
}

// GetByMessageID возвращает связь по физическому сообщению.
func (r *MessageLinks) GetByMessageID(chatID, messageID int64) (domain.MessageLink, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	link, err := scanMessageLink(r.pool.QueryRow(ctx, `
SELECT `+linkColumns+` FROM message_links WHERE chat_id = $1 AND message_id = $2
`, chatID, messageID))
	metrics.ObserveNetworkRequest("postgres", "links_get_by_msg", "message_links", start, err)
	return link, err
}

// MarkProcessed помечает сообщение обработанным. Метка не снимается.
func (r *MessageLinks) MarkProcessed(id int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `UPDATE message_links SET processed = TRUE WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "links_mark_processed", "message_links", start, err)
	return err
}

// UpdateText сохраняет отредактированный текст сообщения.
func (r *MessageLinks) UpdateText(id int64, text string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `UPDATE message_links SET text = $2 WHERE id = $1`, id, text)
	metrics.ObserveNetworkRequest("postgres", "links_update_text", "message_links", start, err)
	return err
}

// LatestUserMessage возвращает последнее пользовательское сообщение по посту.
func (r *MessageLinks) LatestUserMessage(postID int64) (domain.MessageLink, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	link, err := scanMessageLink(r.pool.QueryRow(ctx, `
SELECT `+linkColumns+`
FROM message_links
WHERE post_id = $1 AND role = $2
ORDER BY created_at DESC, id DESC
LIMIT 1
`, postID, string(domain.RoleUserMessage)))
	metrics.ObserveNetworkRequest("postgres", "links_latest_user", "message_links", start, err)
	return link, err
}

// Engagements реализует domain.EngagementRepo.
type Engagements struct {
	pool *pgxpool.Pool
}

var _ domain.EngagementRepo = (*Engagements)(nil)

// RecordEngagement сохраняет продуктовое событие.
func (r *Engagements) RecordEngagement(ctx context.Context, event domain.EngagementEvent) error {
	ctx, cancel := connCtxWithParent(ctx)
	defer cancel()

	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
INSERT INTO engagement_events (event, user_id, post_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, event.Event, event.UserID, event.PostID, metadata, occurredAt)
	metrics.ObserveNetworkRequest("postgres", "engagement_record", "engagement_events", start, err)
	return err
}
