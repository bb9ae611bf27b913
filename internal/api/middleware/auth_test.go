package middleware_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksys/vtag-engine/internal/api/middleware"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/ksys/vtag-engine/internal/utils"
	"github.com/stretchr/testify/assert"
)

func TestRequireOperator(t *testing.T) {
	ts := testutil.NewTestSetup(t)
	auth := middleware.NewAuthMiddleware(&ts.Config.JWT, ts.Logger)

	ts.Router.Use(middleware.LoggingMiddleware(ts.Logger))
	ts.Router.GET("/protected", auth.RequireOperator(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": middleware.Operator(c)})
	})

	sign := func(claims jwt.RegisteredClaims, secret string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		ts.Requires.NoError(err)
		return token
	}
	valid := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    ts.Config.JWT.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	t.Run("valid token", func(t *testing.T) {
		resp := ts.ExecuteRequest(http.MethodGet, "/protected", nil, ts.AuthHeader("alice"))
		assert.Equal(t, http.StatusOK, resp.Code)

		var body map[string]string
		ts.ParseResponse(resp, &body)
		assert.Equal(t, "alice", body["operator"])
	})

	t.Run("query token", func(t *testing.T) {
		resp := ts.ExecuteRequest(http.MethodGet, "/protected?access_token="+ts.CreateOperatorToken("bob"), nil, nil)
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noSubject := valid
	noSubject.Subject = ""

	rejected := map[string]map[string]string{
		"missing header": nil,
		"wrong scheme":   {"Authorization": "Basic abc"},
		"garbage":        {"Authorization": "Bearer not-a-token"},
		"wrong secret":   {"Authorization": "Bearer " + sign(valid, "other-secret")},
		"expired":        {"Authorization": "Bearer " + sign(expired, ts.Config.JWT.Secret)},
		"wrong issuer":   {"Authorization": "Bearer " + sign(wrongIssuer, ts.Config.JWT.Secret)},
		"no subject":     {"Authorization": "Bearer " + sign(noSubject, ts.Config.JWT.Secret)},
	}
	for name, headers := range rejected {
		t.Run(name, func(t *testing.T) {
			resp := ts.ExecuteRequest(http.MethodGet, "/protected", nil, headers)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)

			var body utils.ErrorResponse
			ts.ParseResponse(resp, &body)
			assert.Equal(t, "unauthorized", body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}
