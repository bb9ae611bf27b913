package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/utils"
)

// OperatorKey is the context key holding the authenticated operator
const OperatorKey = "operator"

// AuthMiddleware checks operator bearer tokens signed with the shared secret
type AuthMiddleware struct {
	jwtConfig *config.JWTConfig
	logger    *utils.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(jwtConfig *config.JWTConfig, logger *utils.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtConfig: jwtConfig,
		logger:    logger,
	}
}

// RequireOperator rejects requests without a valid operator token. The token
// comes from the Authorization header, or from the access_token query
// parameter for websocket clients that cannot set headers.
func (am *AuthMiddleware) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			am.reject(c, err)
			return
		}

		claims, err := am.validateToken(token)
		if err != nil {
			am.reject(c, err)
			return
		}

		c.Set(OperatorKey, claims.Subject)
		c.Next()
	}
}

func (am *AuthMiddleware) reject(c *gin.Context, err error) {
	utils.HandleError(c, fmt.Errorf("%w: %w", utils.ErrUnauthorized, err), am.logger)
	c.Abort()
}

// Operator returns the authenticated operator, or "" on public routes
func Operator(c *gin.Context) string {
	return c.GetString(OperatorKey)
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("Authorization header is required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Authorization header format must be Bearer {token}")
	}
	return parts[1], nil
}

// validateToken verifies the signature, expiry and issuer and requires a subject
func (am *AuthMiddleware) validateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	if am.jwtConfig.Secret == "" {
		return nil, errors.New("JWT secret key is not configured")
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if am.jwtConfig.Issuer != "" {
		options = append(options, jwt.WithIssuer(am.jwtConfig.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(am.jwtConfig.Secret), nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("token has expired")
		}
		return nil, errors.New("invalid token")
	}

	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
