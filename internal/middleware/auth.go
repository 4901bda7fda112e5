package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/edgerun/platform/internal/pkg/errors"
	"github.com/edgerun/platform/internal/pkg/response"
)

// BearerAuth returns a middleware that authenticates against a single
// scoped bearer token, constant-time compared. Used both for the
// worker-facing surface (WorkerAuth) and the deploy-intent submission
// surface, each with its own independently configured token — scoped
// credentials in place of the distilled spec's REGION_TOKEN global-owner
// backdoor, which is removed entirely (see DESIGN.md).
func BearerAuth(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			presented := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WorkerAuth authenticates the worker-api surface (spec.md §6). Narrowed
// from the teacher's dual API-key/JWT Auth: this credential confers no
// user or org identity, only access to /api/v1/worker-api/*.
func WorkerAuth(token string) func(next http.Handler) http.Handler {
	return BearerAuth(token)
}
