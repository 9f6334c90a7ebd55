package assessment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

// SQLStore persists assessments in the assessments table.
type SQLStore struct {
	DB  *sqlx.DB
	Now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore { return &SQLStore{DB: db, Now: time.Now} }

type assessmentRow struct {
	ID                  string        `db:"id"`
	UserID              string        `db:"user_id"`
	CourseID            string        `db:"course_id"`
	ResourceLinkID      string        `db:"resource_link_id"`
	LineItemURL         string        `db:"line_item_url"`
	Issuer              string        `db:"issuer"`
	ClientID            string        `db:"client_id"`
	DeploymentID        string        `db:"deployment_id"`
	ScoreGiven          float64       `db:"score_given"`
	ScoreMaximum        float64       `db:"score_maximum"`
	Comment             string        `db:"comment"`
	ActivityProgress    string        `db:"activity_progress"`
	GradingProgress     string        `db:"grading_progress"`
	PassbackStatus      string        `db:"passback_status"`
	PassbackAttempts    int           `db:"passback_attempts"`
	PassbackError       string        `db:"passback_error"`
	PassbackErrorKind   string        `db:"passback_error_kind"`
	LastPassbackAttempt sql.NullInt64 `db:"last_passback_attempt"`
	CreatedAt           int64         `db:"created_at"`
	UpdatedAt           int64         `db:"updated_at"`
}

func (r assessmentRow) toAssessment() Assessment {
	a := Assessment{
		ID: r.ID, UserID: r.UserID, CourseID: r.CourseID, ResourceLinkID: r.ResourceLinkID,
		LineItemURL: r.LineItemURL, Issuer: r.Issuer, ClientID: r.ClientID, DeploymentID: r.DeploymentID,
		ScoreGiven: r.ScoreGiven, ScoreMaximum: r.ScoreMaximum, Comment: r.Comment,
		ActivityProgress: r.ActivityProgress, GradingProgress: r.GradingProgress,
		PassbackStatus:    PassbackStatus(r.PassbackStatus),
		PassbackAttempts:  r.PassbackAttempts,
		PassbackError:     r.PassbackError,
		PassbackErrorKind: lti.ErrorKind(r.PassbackErrorKind),
		CreatedAt:         time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:         time.Unix(r.UpdatedAt, 0).UTC(),
	}
	if r.LastPassbackAttempt.Valid {
		t := time.Unix(r.LastPassbackAttempt.Int64, 0).UTC()
		a.LastPassbackAttempt = &t
	}
	return a
}

const selectAssessment = `SELECT id, user_id, course_id, resource_link_id, line_item_url, issuer, client_id,
  deployment_id, score_given, score_maximum, comment, activity_progress, grading_progress,
  passback_status, passback_attempts, passback_error, passback_error_kind, last_passback_attempt,
  created_at, updated_at FROM assessments`

func (s *SQLStore) Create(ctx context.Context, n NewAssessment) (Assessment, error) {
	n = n.WithDefaults()
	if err := n.Validate(); err != nil {
		return Assessment{}, err
	}
	id := uuid.NewString()
	now := s.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
INSERT INTO assessments (id, user_id, course_id, resource_link_id, line_item_url, issuer, client_id,
  deployment_id, score_given, score_maximum, comment, activity_progress, grading_progress,
  passback_status, passback_attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		id, n.UserID, n.CourseID, n.ResourceLinkID, n.LineItemURL, n.Issuer, n.ClientID,
		n.DeploymentID, n.ScoreGiven, n.ScoreMaximum, n.Comment, n.ActivityProgress, n.GradingProgress,
		string(StatusPending), now, now)
	if err != nil {
		return Assessment{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (Assessment, error) {
	var row assessmentRow
	if err := s.DB.GetContext(ctx, &row, s.DB.Rebind(selectAssessment+` WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assessment{}, ErrNotFound
		}
		return Assessment{}, err
	}
	return row.toAssessment(), nil
}

func (s *SQLStore) Update(ctx context.Context, id string, u Update) (Assessment, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Assessment{}, err
	}
	if cur.PassbackStatus == StatusSuccess {
		return Assessment{}, ErrAlreadySubmitted
	}
	next, err := u.apply(cur)
	if err != nil {
		return Assessment{}, err
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
UPDATE assessments SET score_given = ?, score_maximum = ?, comment = ?, activity_progress = ?,
  grading_progress = ?, updated_at = ?
WHERE id = ? AND passback_status <> 'success'`),
		next.ScoreGiven, next.ScoreMaximum, next.Comment, next.ActivityProgress, next.GradingProgress,
		s.Now().UTC().Unix(), id)
	if err != nil {
		return Assessment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Assessment{}, ErrAlreadySubmitted
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) FindByUser(ctx context.Context, userID string) ([]Assessment, error) {
	var rows []assessmentRow
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(selectAssessment+` WHERE user_id = ? ORDER BY created_at DESC`), userID); err != nil {
		return nil, err
	}
	out := make([]Assessment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssessment())
	}
	return out, nil
}

// RecordPassback increments the attempt counter and sets the status in a single
// statement. A record already in success keeps its status.
func (s *SQLStore) RecordPassback(ctx context.Context, id string, o Outcome) (Assessment, error) {
	status, msg, kind := string(StatusSuccess), "", ""
	if o.Err != nil {
		status, msg, kind = string(StatusFailed), o.Err.Error(), string(o.ErrorKind)
	}
	at := o.At.UTC().Unix()
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
UPDATE assessments SET
  passback_attempts = passback_attempts + 1,
  last_passback_attempt = ?,
  updated_at = ?,
  passback_status = CASE WHEN passback_status = 'success' THEN passback_status ELSE ? END,
  passback_error = CASE WHEN passback_status = 'success' THEN passback_error ELSE ? END,
  passback_error_kind = CASE WHEN passback_status = 'success' THEN passback_error_kind ELSE ? END
WHERE id = ?`), at, at, status, msg, kind, id)
	if err != nil {
		return Assessment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Assessment{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]Assessment, error) {
	if limit <= 0 {
		limit = 100
	}
	q, args, err := sqlx.In(selectAssessment+`
WHERE passback_status = 'failed' AND passback_error_kind IN (?) AND passback_attempts < ?
ORDER BY last_passback_attempt ASC LIMIT ?`, retryableKinds(), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	var rows []assessmentRow
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]Assessment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssessment())
	}
	return out, nil
}
