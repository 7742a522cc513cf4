package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/o-maan/psyfroggybot-sub001/internal/domain"
	"github.com/o-maan/psyfroggybot-sub001/internal/infra/metrics"
)

// Postgres собирает все репозитории поверх одного пула.
// У репозиториев пересекаются имена методов (Create, GetByID),
// поэтому каждый агрегат живёт в своём типе.
type Postgres struct {
	Users       *Users
	Posts       *InteractivePosts
	Mornings    *MorningPosts
	Angries     *AngryPosts
	Joys        *Joys
	Links       *MessageLinks
	Engagements *Engagements
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		Users:       &Users{pool: pool},
		Posts:       &InteractivePosts{pool: pool},
		Mornings:    &MorningPosts{pool: pool},
		Angries:     &AngryPosts{pool: pool},
		Joys:        &Joys{pool: pool},
		Links:       &MessageLinks{pool: pool},
		Engagements: &Engagements{pool: pool},
	}
}

func connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Users реализует domain.UserRepo.
type Users struct {
	pool *pgxpool.Pool
}

var _ domain.UserRepo = (*Users)(nil)

const userColumns = `id, tg_user_id, name, gender, tz, utc_offset_min, dm_enabled, channel_enabled,
channel_id, onboarding_state, request, evening_at, morning_at, is_admin, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u          domain.User
		gender     sql.NullString
		tz         sql.NullString
		channelID  sql.NullInt64
		onboarding sql.NullString
		request    sql.NullString
	)
	err := row.Scan(&u.ID, &u.TGUserID, &u.Name, &gender, &tz, &u.UTCOffsetMin, &u.DMEnabled,
		&u.ChannelEnabled, &channelID, &onboarding, &request, &u.EveningAt, &u.MorningAt,
		&u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	u.Gender = domain.Gender(gender.String)
	u.Timezone = tz.String
	u.ChannelID = channelID.Int64
	if onboarding.Valid {
		state := onboarding.String
		u.OnboardingState = &state
	}
	u.Request = request.String
	return u, nil
}

// UpsertByTGID создаёт пользователя при первом /start или обновляет профиль.
func (r *Users) UpsertByTGID(profile domain.TelegramProfile) (domain.User, bool, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, name, locale)
VALUES ($1, $2, COALESCE(NULLIF($3,''),'ru'))
ON CONFLICT (tg_user_id) DO UPDATE SET
    name = COALESCE(NULLIF(EXCLUDED.name,''), users.name),
    locale = EXCLUDED.locale,
    updated_at = now()
RETURNING `+userColumns+`, (xmax = 0) AS inserted
`, profile.TGUserID, profile.Name, profile.Locale)

	var (
		u          domain.User
		gender     sql.NullString
		tz         sql.NullString
		channelID  sql.NullInt64
		onboarding sql.NullString
		request    sql.NullString
		created    bool
	)
	err := row.Scan(&u.ID, &u.TGUserID, &u.Name, &gender, &tz, &u.UTCOffsetMin, &u.DMEnabled,
		&u.ChannelEnabled, &channelID, &onboarding, &request, &u.EveningAt, &u.MorningAt,
		&u.IsAdmin, &u.CreatedAt, &u.UpdatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, false, err
	}
	u.Gender = domain.Gender(gender.String)
	u.Timezone = tz.String
	u.ChannelID = channelID.Int64
	if onboarding.Valid {
		state := onboarding.String
		u.OnboardingState = &state
	}
	u.Request = request.String
	return u, created, nil
}

// GetByTGID возвращает пользователя по telegram id.
func (r *Users) GetByTGID(tgUserID int64) (domain.User, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id = $1`, tgUserID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tgid", "users", start, err)
	return user, err
}

// GetByID возвращает пользователя по внутреннему id.
func (r *Users) GetByID(id int64) (domain.User, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_id", "users", start, err)
	return user, err
}

// ListForEveningTime возвращает пользователей, у которых сейчас время вечернего поста.
// Локальное время восстанавливается из utc_offset_min.
func (r *Users) ListForEveningTime(nowUTC time.Time) ([]domain.User, error) {
	return r.listForLocalTime(nowUTC, "evening_at", "users_list_evening")
}

// ListForMorningTime возвращает пользователей, у которых сейчас время утреннего поста.
func (r *Users) ListForMorningTime(nowUTC time.Time) ([]domain.User, error) {
	return r.listForLocalTime(nowUTC, "morning_at", "users_list_morning")
}

// ListActive возвращает пользователей хотя бы с одним включённым каналом доставки.
func (r *Users) ListActive() ([]domain.User, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE dm_enabled OR (channel_enabled AND channel_id IS NOT NULL)
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_active", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *Users) listForLocalTime(nowUTC time.Time, column, op string) ([]domain.User, error) {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE `+column+` = to_char($1::timestamptz + make_interval(mins => utc_offset_min), 'HH24:MI')
  AND (dm_enabled OR (channel_enabled AND channel_id IS NOT NULL))
`, nowUTC)
	metrics.ObserveNetworkRequest("postgres", op, "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateDelivery сохраняет настройки доставки пользователя.
func (r *Users) UpdateDelivery(userID int64, dm, channel bool, channelID int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	var channelValue sql.NullInt64
	if channelID != 0 {
		channelValue = sql.NullInt64{Int64: channelID, Valid: true}
	}
	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE users SET dm_enabled = $2, channel_enabled = $3, channel_id = $4, updated_at = now()
WHERE id = $1
`, userID, dm, channel, channelValue)
	metrics.ObserveNetworkRequest("postgres", "users_update_delivery", "users", start, err)
	return err
}

// UpdateProfile сохраняет имя, пол и запрос пользователя.
func (r *Users) UpdateProfile(userID int64, name string, gender domain.Gender, request string) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE users SET name = $2, gender = NULLIF($3,''), request = NULLIF($4,''), updated_at = now()
WHERE id = $1
`, userID, name, string(gender), request)
	metrics.ObserveNetworkRequest("postgres", "users_update_profile", "users", start, err)
	return err
}

// UpdateOnboardingState сохраняет шаг онбординга (nil — онбординг завершён).
func (r *Users) UpdateOnboardingState(userID int64, state *string) error {
	ctx, cancel := connCtx()
	defer cancel()

	var value sql.NullString
	if state != nil {
		value = sql.NullString{String: *state, Valid: true}
	}
	start := time.Now()
	_, err := r.pool.Exec(ctx, `UPDATE users SET onboarding_state = $2, updated_at = now() WHERE id = $1`, userID, value)
	metrics.ObserveNetworkRequest("postgres", "users_update_onboarding", "users", start, err)
	return err
}

// SoftReset стирает прогресс пользователя, но оставляет аккаунт.
func (r *Users) SoftReset(userID int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "users", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM message_links WHERE post_id IN (SELECT id FROM interactive_posts WHERE user_id = $1)`,
		`DELETE FROM interactive_posts WHERE user_id = $1`,
		`DELETE FROM morning_posts WHERE user_id = $1`,
		`DELETE FROM angry_posts WHERE user_id = $1`,
		`DELETE FROM joy_sources WHERE user_id = $1`,
		`UPDATE users SET onboarding_state = NULL, request = NULL, joy_checkpoint = NULL, updated_at = now() WHERE id = $1`,
	} {
		start = time.Now()
		_, err = tx.Exec(ctx, q, userID)
		metrics.ObserveNetworkRequest("postgres", "users_soft_reset", "users", start, err)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeleteUserData удаляет пользователя и все его данные.
func (r *Users) DeleteUserData(userID int64) error {
	ctx, cancel := connCtx()
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_delete", "users", start, err)
	return err
}
