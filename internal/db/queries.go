package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"applybox/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

const campaignColumns = `c.id, c.code, c.slug, c.title, c.status, c.max_quota, c.start_date, c.end_date,
	c.form_schema, c.email_rules, c.default_email, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM applications a WHERE a.campaign_id = c.id)`

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	var status string
	var formSchema, emailRules, defaultEmail []byte
	err := row.Scan(
		&c.ID, &c.Code, &c.Slug, &c.Title, &status, &c.MaxQuota, &c.StartDate, &c.EndDate,
		&formSchema, &emailRules, &defaultEmail, &c.CreatedAt, &c.UpdatedAt,
		&c.ApplicationCount,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.CampaignStatus(status)

	if err := json.Unmarshal(formSchema, &c.FormSchema); err != nil {
		return nil, fmt.Errorf("failed to decode form_schema of campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(emailRules, &c.EmailRules); err != nil {
		return nil, fmt.Errorf("failed to decode email_rules of campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(defaultEmail, &c.DefaultEmail); err != nil {
		return nil, fmt.Errorf("failed to decode default_email of campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

// Campaign queries
func (q *Queries) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := scanCampaign(q.Pool.QueryRow(ctx,
		"SELECT "+campaignColumns+" FROM campaigns c WHERE c.id = $1",
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListActiveCampaigns returns ACTIVE campaigns, newest first
func (q *Queries) ListActiveCampaigns(ctx context.Context) ([]*model.Campaign, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+campaignColumns+" FROM campaigns c WHERE c.status = $1 ORDER BY c.created_at DESC",
		string(model.CampaignActive),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (q *Queries) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	formSchema, err := json.Marshal(c.FormSchema)
	if err != nil {
		return err
	}
	if c.EmailRules == nil {
		c.EmailRules = []model.EmailRule{}
	}
	emailRules, err := json.Marshal(c.EmailRules)
	if err != nil {
		return err
	}
	defaultEmail, err := json.Marshal(c.DefaultEmail)
	if err != nil {
		return err
	}

	err = q.Pool.QueryRow(ctx,
		`INSERT INTO campaigns (
			id, code, slug, title, status, max_quota, start_date, end_date,
			form_schema, email_rules, default_email
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		c.ID, c.Code, c.Slug, c.Title, string(c.Status), c.MaxQuota, c.StartDate, c.EndDate,
		formSchema, emailRules, defaultEmail,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrCampaignExists
	}
	return err
}

// UpdateCampaignStatus moves a campaign from one status to another only if
// it is still in the expected source status.
func (q *Queries) UpdateCampaignStatus(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error {
	result, err := q.Pool.Exec(ctx,
		"UPDATE campaigns SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		id, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.Pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

// Member queries
func (q *Queries) LookupMember(ctx context.Context, identity string) (model.MembershipStatus, error) {
	var status string
	err := q.Pool.QueryRow(ctx,
		"SELECT status FROM members WHERE identity = $1",
		identity,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MemberNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return model.MembershipStatus(status), nil
}

// Application queries
func (q *Queries) ApplicationExists(ctx context.Context, campaignID, identity string) (bool, error) {
	var exists bool
	err := q.Pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM applications WHERE campaign_id = $1 AND identity = $2)",
		campaignID, identity,
	).Scan(&exists)
	return exists, err
}

// InsertApplicationIfAbsent inserts the application unless the identity has
// already applied or the campaign is closed or full. The campaign row is
// locked for the duration, so concurrent inserts for one campaign serialise.
func (q *Queries) InsertApplicationIfAbsent(ctx context.Context, app model.NewApplication) (string, error) {
	formData, err := json.Marshal(app.FormData)
	if err != nil {
		return "", fmt.Errorf("failed to encode form data: %w", err)
	}

	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var status string
	var maxQuota *int
	var endDate *time.Time
	err = tx.QueryRow(ctx,
		"SELECT status, max_quota, end_date FROM campaigns WHERE id = $1 FOR UPDATE",
		app.CampaignID,
	).Scan(&status, &maxQuota, &endDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status != string(model.CampaignActive) || (endDate != nil && time.Now().After(*endDate)) {
		return "", ErrCampaignClosed
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM applications WHERE campaign_id = $1 AND identity = $2)",
		app.CampaignID, app.Identity,
	).Scan(&exists); err != nil {
		return "", err
	}
	if exists {
		return "", ErrDuplicateApplication
	}

	if maxQuota != nil {
		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM applications WHERE campaign_id = $1",
			app.CampaignID,
		).Scan(&count); err != nil {
			return "", err
		}
		if count >= *maxQuota {
			return "", ErrQuotaExceeded
		}
	}

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO applications (id, campaign_id, identity, form_data, client_ip, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (campaign_id, identity) DO NOTHING
		RETURNING id`,
		app.ID, app.CampaignID, app.Identity, formData, app.ClientIP, string(model.ApplicationPending),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrDuplicateApplication
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return "", ErrDuplicateApplication
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queries) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	var a model.Application
	var status string
	var formData []byte
	var clientIP *string
	err := q.Pool.QueryRow(ctx,
		`SELECT id, campaign_id, identity, form_data, client_ip, status, admin_notes, created_at
		FROM applications WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.CampaignID, &a.Identity, &formData, &clientIP, &status, &a.AdminNotes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = model.ApplicationStatus(status)
	if clientIP != nil {
		a.ClientIP = *clientIP
	}
	if err := json.Unmarshal(formData, &a.FormData); err != nil {
		return nil, fmt.Errorf("failed to decode form data of application %s: %w", a.ID, err)
	}
	return &a, nil
}
