package pguserstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heraldhq/herald/internal/cursor"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore/driver"
)

const (
	cursorResourceUser = "usr"
	cursorVersion      = 1

	pgUniqueViolation = "23505"
)

const userColumns = `
	id,
	first_name,
	email,
	timezone,
	birthday_date,
	anniversary_date,
	deleted_at,
	created_at,
	updated_at`

type userStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) driver.Store {
	return &userStore{
		db: db,
	}
}

func (s *userStore) Get(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT`+userColumns+`
		FROM users
		WHERE id = $1
	`, id)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", driver.ErrUserDeleted, id)
	}
	return user, nil
}

func (s *userStore) Upsert(ctx context.Context, user models.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (
			id, first_name, email, timezone, birthday_date, anniversary_date,
			deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULL, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
			email = EXCLUDED.email,
			timezone = EXCLUDED.timezone,
			birthday_date = EXCLUDED.birthday_date,
			anniversary_date = EXCLUDED.anniversary_date,
			deleted_at = NULL,
			updated_at = now()
	`, user.ID, user.FirstName, user.Email, user.Timezone,
		dateParam(user.BirthdayDate), dateParam(user.AnniversaryDate))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", driver.ErrDuplicateEmail, user.Email)
		}
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET deleted_at = COALESCE(deleted_at, now()), updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", driver.ErrUserNotFound, id)
	}
	return nil
}

func (s *userStore) ListActive(ctx context.Context, req driver.ListActiveRequest) (driver.ListActiveResponse, error) {
	fieldCondition, err := eventFieldCondition(req.EventType)
	if err != nil {
		return driver.ListActiveResponse{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	afterID, err := cursor.Decode(req.Cursor, cursorResourceUser, cursorVersion)
	if err != nil {
		return driver.ListActiveResponse{}, err
	}

	// Every id compares greater than the empty string, so the first page
	// needs no special case.
	rows, err := s.db.Query(ctx, `
		SELECT`+userColumns+`
		FROM users
		WHERE deleted_at IS NULL
		`+fieldCondition+`
		AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit+1)
	if err != nil {
		return driver.ListActiveResponse{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	users, err := scanUsers(rows)
	if err != nil {
		return driver.ListActiveResponse{}, err
	}

	resp := driver.ListActiveResponse{Users: users}
	if len(users) > limit {
		resp.Users = users[:limit]
		resp.Cursor = cursor.Encode(cursorResourceUser, cursorVersion, resp.Users[limit-1].ID)
	}
	return resp, nil
}

func eventFieldCondition(eventType models.EventType) (string, error) {
	switch eventType {
	case "":
		return "", nil
	case models.EventTypeBirthday:
		return "AND birthday_date IS NOT NULL", nil
	case models.EventTypeAnniversary:
		return "AND anniversary_date IS NOT NULL", nil
	default:
		return "", eventType.Validate()
	}
}

func dateParam(d *models.Date) any {
	if d == nil {
		return nil
	}
	return d.In(time.UTC)
}

func scanUsers(rows pgx.Rows) ([]*models.User, error) {
	var results []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		id              string
		firstName       string
		email           string
		timezone        string
		birthdayDate    *time.Time
		anniversaryDate *time.Time
		deletedAt       *time.Time
		createdAt       time.Time
		updatedAt       time.Time
	)

	if err := row.Scan(
		&id,
		&firstName,
		&email,
		&timezone,
		&birthdayDate,
		&anniversaryDate,
		&deletedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	user := &models.User{
		ID:        id,
		FirstName: firstName,
		Email:     email,
		Timezone:  timezone,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if birthdayDate != nil {
		d := models.DateOf(*birthdayDate)
		user.BirthdayDate = &d
	}
	if anniversaryDate != nil {
		d := models.DateOf(*anniversaryDate)
		user.AnniversaryDate = &d
	}
	if deletedAt != nil {
		t := deletedAt.UTC()
		user.DeletedAt = &t
	}
	return user, nil
}
