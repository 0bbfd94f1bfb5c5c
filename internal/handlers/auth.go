package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/authz"
)

// AuthHandler verifies bearer tokens issued by the account service. The
// token subject is the owner id every sync operation is scoped to.
type AuthHandler struct {
	jwtSecret string
	logger    zerolog.Logger
}

func NewAuthHandler(jwtSecret string, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("handler", "auth").Logger(),
	}
}

func (h *AuthHandler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}
		tokenString := parts[1]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			h.logger.Debug().Err(err).Msg("rejected bearer token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !claims.VerifyExpiresAt(time.Now().Unix(), true) {
			http.Error(w, "Token expired", http.StatusUnauthorized)
			return
		}
		ownerID, _ := claims["sub"].(string)
		if strings.TrimSpace(ownerID) == "" {
			http.Error(w, "Missing token claim", http.StatusUnauthorized)
			return
		}
		ctx := authz.WithOwner(r.Context(), ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
