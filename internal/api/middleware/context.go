package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/podcastd/pkg/models"
)

type contextKey string

const principalKey contextKey = "principal"

func SetPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(r *http.Request) (models.Principal, bool) {
	p, ok := r.Context().Value(principalKey).(models.Principal)
	return p, ok
}
