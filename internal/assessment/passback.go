package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
)

// TokenSource yields an AGS bearer token for a platform.
type TokenSource interface {
	Token(ctx context.Context, p registry.Platform) (*oauth2.Token, error)
}

// ScorePoster submits a score to a line item.
type ScorePoster interface {
	PostScore(ctx context.Context, tok *oauth2.Token, lineItemURL string, s lti.Score) error
}

// Passback drives the pending -> success | failed state machine for one assessment.
type Passback struct {
	Store     Store
	Platforms registry.Store
	Tokens    TokenSource
	AGS       ScorePoster
	Now       func() time.Time
	// Timeout bounds one attempt once it is detached from the caller.
	Timeout time.Duration

	group singleflight.Group
}

// Result reports a submission. AlreadySubmitted is set when the record was in
// success before the call and nothing was sent.
type Result struct {
	Assessment       Assessment `json:"assessment"`
	AlreadySubmitted bool       `json:"alreadySubmitted"`
}

func (p *Passback) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Submit sends the assessment's score to the platform. The attempt runs to
// completion even if ctx is cancelled, so the recorded attempt count always
// matches what was sent. Concurrent calls for the same id share one attempt.
func (p *Passback) Submit(ctx context.Context, id string) (Result, error) {
	a, err := p.Store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if a.PassbackStatus == StatusSuccess {
		return Result{Assessment: a, AlreadySubmitted: true}, nil
	}

	ch := p.group.DoChan(id, func() (any, error) {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		// an earlier attempt may have finished since the first read
		cur, err := p.Store.Get(actx, id)
		if err != nil {
			return Result{Assessment: a}, err
		}
		if cur.PassbackStatus == StatusSuccess {
			return Result{Assessment: cur, AlreadySubmitted: true}, nil
		}
		return p.attempt(actx, cur)
	})
	res := <-ch
	out, _ := res.Val.(Result)
	return out, res.Err
}

func (p *Passback) attempt(ctx context.Context, a Assessment) (Result, error) {
	log := logger.C(ctx).With().Str("assessment_id", a.ID).Str("issuer", a.Issuer).Logger()

	sendErr := p.send(ctx, a)
	kind := lti.KindOf(sendErr)
	updated, err := p.Store.RecordPassback(ctx, a.ID, Outcome{At: p.now(), Err: sendErr, ErrorKind: kind})
	if err != nil {
		log.Error().Err(err).Msg("record passback outcome")
		if sendErr == nil {
			sendErr = fmt.Errorf("record passback: %w", err)
		}
		return Result{Assessment: a}, sendErr
	}
	if sendErr != nil {
		log.Warn().Str("kind", string(kind)).Int("attempts", updated.PassbackAttempts).Err(sendErr).Msg("grade passback failed")
		return Result{Assessment: updated}, sendErr
	}
	log.Info().Int("attempts", updated.PassbackAttempts).Msg("grade passback succeeded")
	return Result{Assessment: updated}, nil
}

func (p *Passback) send(ctx context.Context, a Assessment) error {
	if _, err := lti.ScoresURL(a.LineItemURL); err != nil {
		return err
	}
	plat, err := p.Platforms.FindByIssuerClientDeployment(ctx, a.Issuer, a.ClientID, a.DeploymentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %s", lti.ErrUnknownPlatform, a.Issuer)
		}
		return err
	}
	tok, err := p.Tokens.Token(ctx, plat)
	if err != nil {
		return err
	}
	return p.AGS.PostScore(ctx, tok, a.LineItemURL, lti.Score{
		Timestamp:        p.now().UTC().Format(time.RFC3339Nano),
		ScoreGiven:       a.ScoreGiven,
		ScoreMaximum:     a.ScoreMaximum,
		ActivityProgress: a.ActivityProgress,
		GradingProgress:  a.GradingProgress,
		Comment:          a.Comment,
		UserID:           a.UserID,
	})
}
