package auth

import (
	"context"

	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

type ctxKey string

const ctxKeyLaunch ctxKey = "lti-launch"

func WithLaunch(ctx context.Context, lc lti.LaunchClaims) context.Context {
	return context.WithValue(ctx, ctxKeyLaunch, lc)
}

// LaunchFromContext returns the launch the current request's session was minted from.
func LaunchFromContext(ctx context.Context) (lti.LaunchClaims, bool) {
	lc, ok := ctx.Value(ctxKeyLaunch).(lti.LaunchClaims)
	return lc, ok
}

func SubjectFromContext(ctx context.Context) string {
	lc, _ := LaunchFromContext(ctx)
	return lc.UserID
}
