package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/envutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

const (
	ctxKeyUserID = "auth_user_id"
	ctxKeyRole   = "auth_role"
)

type AuthMiddleware struct {
	log      *logger.Logger
	secret   []byte
	sessions sessions.SessionRepo
}

func NewAuthMiddleware(log *logger.Logger, repo sessions.SessionRepo) *AuthMiddleware {
	return &AuthMiddleware{
		log:      log.With("middleware", "AuthMiddleware"),
		secret:   []byte(envutil.Str("GAZE_JWT_SECRET", "")),
		sessions: repo,
	}
}

// RequireAuth verifies a bearer token issued by the identity service and
// stores the caller's id and role on the request.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role, err := am.verify(extractToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxKeyUserID, userID)
		c.Set(ctxKeyRole, role)
		c.Next()
	}
}

// AllowGuestSession admits either an authenticated caller or an anonymous
// guest whose :id names an active guest session. Guest capture clients hold
// no token; the live session id is their capability.
func (am *AuthMiddleware) AllowGuestSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractToken(c); token != "" {
			userID, role, err := am.verify(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Set(ctxKeyUserID, userID)
			c.Set(ctxKeyRole, role)
			c.Next()
			return
		}

		sessionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		session, err := am.sessions.GetByID(dbctx.Context{Ctx: c.Request.Context()}, sessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}
		if session == nil || !session.IsGuest || !session.AcceptsSnapshots() {
			am.log.Warn("guest_access_denied", "session_id", sessionID)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func (am *AuthMiddleware) verify(tokenString string) (uuid.UUID, string, error) {
	if tokenString == "" {
		return uuid.Nil, "", fmt.Errorf("missing token")
	}
	if len(am.secret) == 0 {
		return uuid.Nil, "", fmt.Errorf("auth not configured")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid subject")
	}
	role, _ := claims["role"].(string)
	return userID, role, nil
}

func extractToken(c *gin.Context) string {
	if q := c.Query("token"); q != "" {
		return q
	}
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// CurrentUserID returns the authenticated caller's id, or uuid.Nil on a guest
// request.
func CurrentUserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// CurrentRole returns the authenticated caller's role claim.
func CurrentRole(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyRole); ok {
		if role, ok := v.(string); ok {
			return role
		}
	}
	return ""
}
