// Package assessment records quiz attempts and pushes their scores to the
// platform gradebook.
package assessment

import (
	"context"
	"errors"
	"time"

	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
	"github.com/mind-engage/mindengage-lti-tool/internal/validate"
)

type PassbackStatus string

const (
	StatusPending PassbackStatus = "pending"
	StatusSuccess PassbackStatus = "success"
	StatusFailed  PassbackStatus = "failed"
)

var (
	ErrNotFound         = errors.New("assessment not found")
	ErrAlreadySubmitted = errors.New("grade already submitted to gradebook")
)

type Assessment struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	CourseID       string `json:"courseId"`
	ResourceLinkID string `json:"resourceLinkId"`
	LineItemURL    string `json:"lineItemUrl,omitempty"`
	Issuer         string `json:"issuer"`
	ClientID       string `json:"clientId"`
	DeploymentID   string `json:"deploymentId"`

	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment,omitempty"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`

	PassbackStatus      PassbackStatus `json:"passbackStatus"`
	PassbackAttempts    int            `json:"passbackAttempts"`
	PassbackError       string         `json:"passbackError,omitempty"`
	PassbackErrorKind   lti.ErrorKind  `json:"passbackErrorKind,omitempty"`
	LastPassbackAttempt *time.Time     `json:"lastPassbackAttempt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAssessment holds the fields supplied when a quiz attempt completes.
type NewAssessment struct {
	UserID         string `json:"userId" validate:"required"`
	CourseID       string `json:"courseId" validate:"required"`
	ResourceLinkID string `json:"resourceLinkId" validate:"required"`
	LineItemURL    string `json:"lineItemUrl"`
	Issuer         string `json:"issuer" validate:"required"`
	ClientID       string `json:"clientId" validate:"required"`
	DeploymentID   string `json:"deploymentId" validate:"required"`

	ScoreGiven       float64 `json:"scoreGiven" validate:"gte=0,ltefield=ScoreMaximum"`
	ScoreMaximum     float64 `json:"scoreMaximum" validate:"gt=0"`
	Comment          string  `json:"comment" validate:"max=4096"`
	ActivityProgress string  `json:"activityProgress" validate:"oneof=Initialized Started InProgress Submitted Completed"`
	GradingProgress  string  `json:"gradingProgress" validate:"oneof=NotReady Failed Pending PendingManual FullyGraded"`
}

// WithDefaults fills the values a completed, auto-graded quiz has.
func (n NewAssessment) WithDefaults() NewAssessment {
	if n.ScoreMaximum == 0 {
		n.ScoreMaximum = 100
	}
	if n.ActivityProgress == "" {
		n.ActivityProgress = lti.ActivityCompleted
	}
	if n.GradingProgress == "" {
		n.GradingProgress = lti.GradingFullyGraded
	}
	return n
}

func (n NewAssessment) Validate() error { return validate.Struct(n) }

// Update changes grading fields; nil fields are left alone.
type Update struct {
	ScoreGiven       *float64 `json:"scoreGiven"`
	ScoreMaximum     *float64 `json:"scoreMaximum"`
	Comment          *string  `json:"comment"`
	ActivityProgress *string  `json:"activityProgress"`
	GradingProgress  *string  `json:"gradingProgress"`
}

func (u Update) apply(a Assessment) (Assessment, error) {
	if u.ScoreGiven != nil {
		a.ScoreGiven = *u.ScoreGiven
	}
	if u.ScoreMaximum != nil {
		a.ScoreMaximum = *u.ScoreMaximum
	}
	if u.Comment != nil {
		a.Comment = *u.Comment
	}
	if u.ActivityProgress != nil {
		a.ActivityProgress = *u.ActivityProgress
	}
	if u.GradingProgress != nil {
		a.GradingProgress = *u.GradingProgress
	}
	n := NewAssessment{
		UserID: a.UserID, CourseID: a.CourseID, ResourceLinkID: a.ResourceLinkID,
		Issuer: a.Issuer, ClientID: a.ClientID, DeploymentID: a.DeploymentID,
		ScoreGiven: a.ScoreGiven, ScoreMaximum: a.ScoreMaximum, Comment: a.Comment,
		ActivityProgress: a.ActivityProgress, GradingProgress: a.GradingProgress,
	}
	if err := n.Validate(); err != nil {
		return Assessment{}, err
	}
	return a, nil
}

// Outcome is the result of one passback attempt.
type Outcome struct {
	At        time.Time
	Err       error // nil means success
	ErrorKind lti.ErrorKind
}

// Store persists assessments. RecordPassback must bump the attempt counter
// and set the status in one atomic update, and must never move a record out
// of success.
type Store interface {
	Create(ctx context.Context, n NewAssessment) (Assessment, error)
	Get(ctx context.Context, id string) (Assessment, error)
	Update(ctx context.Context, id string, u Update) (Assessment, error)
	FindByUser(ctx context.Context, userID string) ([]Assessment, error)
	RecordPassback(ctx context.Context, id string, o Outcome) (Assessment, error)
	// ListRetryable returns failed records whose last failure kind is retryable and that have
	// fewer than maxAttempts attempts, oldest attempt first.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]Assessment, error)
}

func retryableKinds() []string {
	return []string{string(lti.KindTokenRequestFailed), string(lti.KindPassbackFailed)}
}
