package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// InteractivePosts реализует domain.InteractivePostRepo.
type InteractivePosts struct {
	pool *pgxpool.Pool
}

var _ domain.InteractivePostRepo = (*InteractivePosts)(nil)

const interactiveColumns = `id, user_id, channel_msg_id, payload, relaxation,
task1_completed, task2_completed, task3_completed, mode, date, created_at, updated_at`

func scanInteractivePost(row pgx.Row) (domain.InteractivePost, error) {
	var (
		p          domain.InteractivePost
		channelMsg sql.NullInt64
		payload    []byte
		relaxation sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &channelMsg, &payload, &relaxation,
		&p.Task1Completed, &p.Task2Completed, &p.Task3Completed, &p.Mode, &p.Date,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.InteractivePost{}, err
	}
	p.ChannelMsgID = channelMsg.Int64
	p.Relaxation = domain.RelaxationType(relaxation.String)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return domain.InteractivePost{}, err
		}
	}
	return p, nil
}

// Create сохраняет пост. На конфликт по (user_id, date) возвращает существующий пост
// и created=false: повторный запуск за тот же день не создаёт дубликат.
func (r *InteractivePosts) Create(post domain.InteractivePost) (domain.InteractivePost, bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	payload, err := json.Marshal(post.Payload)
	if err != nil {
		return domain.InteractivePost{}, false, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO interactive_posts (user_id, channel_msg_id, payload, relaxation, mode, date)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6::date)
ON CONFLICT (user_id, date) DO NOTHING
RETURNING `+interactiveColumns+`
`, post.UserID, post.ChannelMsgID, payload, string(post.Relaxation), string(post.Mode), post.Date)
	created, err := scanInteractivePost(row)
	metrics.ObserveNetworkRequest("postgres", "interactive_create", "interactive_posts", start, err)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.InteractivePost{}, false, err
	}

	existing, err := r.getForDate(post.UserID, post.Date)
	return existing, false, err
}

func (r *InteractivePosts) getForDate(userID int64, date time.Time) (domain.InteractivePost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	post, err := scanInteractivePost(r.pool.QueryRow(ctx, `
SELECT `+interactiveColumns+` FROM interactive_posts WHERE user_id = $1 AND date = $2::date
`, userID, date))
	metrics.ObserveNetworkRequest("postgres", "interactive_get_for_date", "interactive_posts", start, err)
	return post, err
}

// GetByID возвращает пост по id.
func (r *InteractivePosts) GetByID(id int64) (domain.InteractivePost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	post, err := scanInteractivePost(r.pool.QueryRow(ctx, `
SELECT `+interactiveColumns+` FROM interactive_posts WHERE id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "interactive_get_by_id", "interactive_posts", start, err)
	return post, err
}

// GetByChannelMsgID находит пост по id сообщения-анонса.
func (r *InteractivePosts) GetByChannelMsgID(channelMsgID int64) (domain.InteractivePost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	post, err := scanInteractivePost(r.pool.QueryRow(ctx, `
SELECT `+interactiveColumns+` FROM interactive_posts WHERE channel_msg_id = $1
`, channelMsgID))
	metrics.ObserveNetworkRequest("postgres", "interactive_get_by_msg", "interactive_posts", start, err)
	return post, err
}

// ListIncomplete возвращает незавершённые посты пользователя, свежие первыми.
func (r *InteractivePosts) ListIncomplete(userID int64) ([]domain.InteractivePost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+interactiveColumns+`
FROM interactive_posts
WHERE user_id = $1 AND NOT (task1_completed AND task2_completed AND task3_completed)
ORDER BY date DESC
`, userID)
	metrics.ObserveNetworkRequest("postgres", "interactive_list_incomplete", "interactive_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInteractivePosts(rows)
}

// ListStaleIncomplete возвращает незавершённые посты старше указанного момента.
func (r *InteractivePosts) ListStaleIncomplete(olderThan time.Time) ([]domain.InteractivePost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+interactiveColumns+`
FROM interactive_posts
WHERE created_at < $1 AND NOT (task1_completed AND task2_completed AND task3_completed)
ORDER BY created_at
`, olderThan)
	metrics.ObserveNetworkRequest("postgres", "interactive_list_stale", "interactive_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInteractivePosts(rows)
}

func collectInteractivePosts(rows pgx.Rows) ([]domain.InteractivePost, error) {
	var posts []domain.InteractivePost
	for rows.Next() {
		post, err := scanInteractivePost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// SetTaskCompleted выставляет флаг задачи. Флаг монотонный: только в TRUE.
func (r *InteractivePosts) SetTaskCompleted(postID int64, task int) error {
	var column string
	switch task {
	case 1:
		column = "task1_completed"
	case 2:
		column = "task2_completed"
	case 3:
		column = "task3_completed"
	default:
		return errors.New("неизвестный номер задачи")
	}

	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE interactive_posts SET `+column+` = TRUE, updated_at = now() WHERE id = $1
`, postID)
	metrics.ObserveNetworkRequest("postgres", "interactive_set_task", "interactive_posts", start, err)
	return err
}

// SetRelaxation сохраняет выбранную практику.
func (r *InteractivePosts) SetRelaxation(postID int64, relaxation domain.RelaxationType) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE interactive_posts SET relaxation = $2, updated_at = now() WHERE id = $1
`, postID, string(relaxation))
	metrics.ObserveNetworkRequest("postgres", "interactive_set_relaxation", "interactive_posts", start, err)
	return err
}

// MorningPosts реализует domain.MorningPostRepo.
type MorningPosts struct {
	pool *pgxpool.Pool
}

var _ domain.MorningPostRepo = (*MorningPosts)(nil)

const morningColumns = `id, user_id, channel_msg_id, step, trophy, greeting, task, date, created_at`

func scanMorningPost(row pgx.Row) (domain.MorningPost, error) {
	var (
		p          domain.MorningPost
		channelMsg sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.UserID, &channelMsg, &p.Step, &p.Trophy, &p.Greeting, &p.Task,
		&p.Date, &p.CreatedAt)
	if err != nil {
		return domain.MorningPost{}, err
	}
	p.ChannelMsgID = channelMsg.Int64
	return p, nil
}

// Create сохраняет утренний пост, на конфликт по дате возвращает существующий.
func (r *MorningPosts) Create(post domain.MorningPost) (domain.MorningPost, bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO morning_posts (user_id, channel_msg_id, step, greeting, task, date)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6::date)
ON CONFLICT (user_id, date) DO NOTHING
RETURNING `+morningColumns+`
`, post.UserID, post.ChannelMsgID, string(post.Step), post.Greeting, post.Task, post.Date)
	created, err := scanMorningPost(row)
	metrics.ObserveNetworkRequest("postgres", "morning_create", "morning_posts", start, err)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.MorningPost{}, false, err
	}

	existing, err := r.GetForDate(post.UserID, post.Date)
	return existing, false, err
}

// GetForDate возвращает утренний пост пользователя за дату.
func (r *MorningPosts) GetForDate(userID int64, date time.Time) (domain.MorningPost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	post, err := scanMorningPost(r.pool.QueryRow(ctx, `
SELECT `+morningColumns+` FROM morning_posts WHERE user_id = $1 AND date = $2::date
`, userID, date))
	metrics.ObserveNetworkRequest("postgres", "morning_get_for_date", "morning_posts", start, err)
	return post, err
}

// GetByChannelMsgID находит утренний пост по id сообщения.
func (r *MorningPosts) GetByChannelMsgID(channelMsgID int64) (domain.MorningPost, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	post, err := scanMorningPost(r.pool.QueryRow(ctx, `
SELECT `+morningColumns+` FROM morning_posts WHERE channel_msg_id = $1
`, channelMsgID))
	metrics.ObserveNetworkRequest("postgres", "morning_get_by_msg", "morning_posts", start, err)
	return post, err
}

// Complete закрывает утренний пост и, при отклике пользователя, выдаёт трофей.
func (r *MorningPosts) Complete(postID int64, trophy bool) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE morning_posts SET step = $2, trophy = trophy OR $3 WHERE id = $1
`, postID, string(domain.MorningDone), trophy)
	metrics.ObserveNetworkRequest("postgres", "morning_complete", "morning_posts", start, err)
	return err
}

// AngryPosts реализует domain.AngryPostRepo.
type AngryPosts struct {
	pool *pgxpool.Pool
}

var _ domain.AngryPostRepo = (*AngryPosts)(nil)

// Create сохраняет «злой» пост, не больше одного на пользователя в день.
func (r *AngryPosts) Create(post domain.AngryPost) (domain.AngryPost, bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO angry_posts (user_id, channel_msg_id, thread_id, date)
VALUES ($1, NULLIF($2, 0), NULLIF($3, 0), CURRENT_DATE)
ON CONFLICT (user_id, date) DO NOTHING
RETURNING id, user_id, COALESCE(channel_msg_id, 0), COALESCE(thread_id, 0), created_at
`, post.UserID, post.ChannelMsgID, post.ThreadID)

	var created domain.AngryPost
	err := row.Scan(&created.ID, &created.UserID, &created.ChannelMsgID, &created.ThreadID, &created.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "angry_create", "angry_posts", start, err)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.AngryPost{}, false, err
	}
	return domain.AngryPost{}, false, nil
}

// ExistsForDate сообщает, был ли уже «злой» пост за дату.
func (r *AngryPosts) ExistsForDate(userID int64, date time.Time) (bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM angry_posts WHERE user_id = $1 AND date = $2::date)
`, userID, date).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "angry_exists", "angry_posts", start, err)
	return exists, err
}
