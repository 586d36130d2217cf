package auth

import (
	"context"

	"github.com/flydesk/flydesk/internal/models"
)

type userContextKey struct{}

// WithUser attaches a UserContext to ctx.
func WithUser(ctx context.Context, user *models.UserContext) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the UserContext attached by the auth middleware.
func UserFromContext(ctx context.Context) (*models.UserContext, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.UserContext)
	return user, ok
}
