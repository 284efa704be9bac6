package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/repo"
)

type AuthConfig struct {
	// JWTSecret signs admin/organizer tokens (HS256).
	JWTSecret string
	// AllowAnonymousParticipants lets registration and submission endpoints
	// through without a bearer token; the channel bridge vouches for the
	// participant identity it forwards.
	AllowAnonymousParticipants bool
	Logger                     *slog.Logger
}

type Principal struct {
	ActorID string
	Admin   bool
	Curator bool
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

func (c AuthConfig) parseJWT(token string) (Principal, error) {
	if c.JWTSecret == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{ActorID: claims.Subject, Admin: claims.Admin, Source: "jwt"}, nil
}

// newAuthMiddleware resolves a bearer token to a principal: an HS256 JWT
// for organizers, or a stored curator API token. Requests without a token
// pass through unauthenticated; each operation decides what it requires.
func newAuthMiddleware(cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			header := req.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, req)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			if p, err := cfg.parseJWT(token); err == nil {
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			if channelID, err := r.CuratorByToken(req.Context(), token); err == nil {
				p := Principal{ActorID: channelID, Curator: true, Source: "token"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			} else if !errors.Is(err, repo.ErrNotFound) {
				cfg.logger().Error("resolve curator token", "err", err)
			}
			// An unusable token is treated as absent rather than fatal;
			// protected operations reject it below.
			next.ServeHTTP(w, req)
		})
	}
}

func requireAdmin(ctx context.Context) error {
	if p, ok := principalFromContext(ctx); ok && p.Admin {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "organizer privileges required", nil)
}

func requireCurator(ctx context.Context, channelID string) error {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Admin {
		return nil
	}
	if p.Curator && p.ActorID == channelID {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "curator identity mismatch", nil)
}
