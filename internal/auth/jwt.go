package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

// Claims extends standard registered claims with role information. The
// subject is the actor's uuid.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller the dispatch guards are checked against.
type Actor struct {
	ID   uuid.UUID
	Role string
}

var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrForbiddenRole = errors.New("role not allowed")
)

// ParseToken validates an HMAC-signed token and returns the actor it names.
func ParseToken(secret, tokenString string, roles ...string) (Actor, error) {
	if tokenString == "" {
		return Actor{}, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	if len(roles) > 0 {
		allowed := false
		for _, r := range roles {
			if r == claims.Role {
				allowed = true
				break
			}
		}
		if !allowed {
			return Actor{}, ErrForbiddenRole
		}
	}
	return Actor{ID: id, Role: claims.Role}, nil
}

// IssueToken signs a token for actor. Used by local tooling and tests.
func IssueToken(secret string, actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Middleware validates JWT tokens and injects the actor into context.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromHeader(r.Header.Get("Authorization"))
			if tokenString == "" {
				// browsers cannot set headers on websocket upgrades
				tokenString = r.URL.Query().Get("access_token")
			}
			actor, err := ParseToken(secret, tokenString, roles...)
			switch {
			case errors.Is(err, ErrForbiddenRole):
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			case errors.Is(err, ErrMissingToken):
				http.Error(w, "missing token", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// StreamServerInterceptor authenticates gRPC streams from the authorization metadata.
func StreamServerInterceptor(secret string, roles ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		actor, err := ParseToken(secret, tokenFromHeader(header), roles...)
		if errors.Is(err, ErrForbiddenRole) {
			return status.Error(codes.PermissionDenied, err.Error())
		}
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, &actorStream{ServerStream: ss, ctx: WithActor(ss.Context(), actor)})
	}
}

type actorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *actorStream) Context() context.Context { return s.ctx }

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext retrieves the authenticated actor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

type actorKey struct{}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
