// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/utils"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestSetup contains utilities for testing
type TestSetup struct {
	Router   *gin.Engine
	DB       *db.Database
	Repos    *repository.RepositoryFactory
	Logger   *utils.Logger
	Config   *config.Config
	Requires *require.Assertions
}

// NewTestSetup creates a test setup backed by a private in-memory sqlite
// database with every engine table migrated. Resources are released through
// t.Cleanup.
func NewTestSetup(t *testing.T) *TestSetup {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := &utils.Logger{Logger: zaptest.NewLogger(t)}
	cfg := NewTestConfig()

	// Each test gets its own named memory database
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "Failed to create in-memory database")

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	database := db.NewFromGorm(gormDB, &cfg.Database, log)
	require.NoError(t, database.AutoMigrate(), "Failed to migrate database")

	router := gin.New()
	router.Use(gin.Recovery())

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return &TestSetup{
		Router:   router,
		DB:       database,
		Repos:    repository.NewRepositoryFactory(gormDB, 5*time.Second),
		Logger:   log,
		Config:   cfg,
		Requires: require.New(t),
	}
}

// NewTestConfig returns a configuration suitable for tests
func NewTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Environment: "test"},
		Database: config.DatabaseConfig{
			Driver:         "sqlite",
			CommandTimeout: 5,
		},
		Engine: config.EngineConfig{
			TriggerInterval:       time.Minute,
			Workers:               4,
			EvalTimeout:           2 * time.Second,
			DefaultUpdateInterval: 10,
			MissingPolicy:         "zero",
		},
		Kafka: config.KafkaConfig{
			ResultsTopic:  "virtual-tag-results",
			ReadingsTopic: "sensor-readings",
		},
		JWT: config.JWTConfig{
			Secret: "test-secret-key-for-testing-only",
			Issuer: "vtag-engine-test",
		},
		Log: config.LogConfig{Level: "debug", Format: "console"},
	}
}

// ExecuteRequest executes a test request and returns the response
func (ts *TestSetup) ExecuteRequest(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		ts.Requires.NoError(err, "Failed to marshal request body")
	}

	req, err := http.NewRequest(method, path, bytes.NewBuffer(reqBody))
	ts.Requires.NoError(err, "Failed to create request")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp := httptest.NewRecorder()
	ts.Router.ServeHTTP(resp, req)
	return resp
}

// ParseResponse parses the JSON response into the provided struct
func (ts *TestSetup) ParseResponse(response *httptest.ResponseRecorder, target interface{}) {
	err := json.Unmarshal(response.Body.Bytes(), target)
	ts.Requires.NoError(err, "Failed to parse response body: %s", response.Body.String())
}

// CreateOperatorToken signs a bearer token for the given operator
func (ts *TestSetup) CreateOperatorToken(operator string) string {
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		Issuer:    ts.Config.JWT.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(ts.Config.JWT.Secret))
	ts.Requires.NoError(err, "Failed to sign JWT token")
	return signed
}

// AuthHeader returns the Authorization header for an operator token
func (ts *TestSetup) AuthHeader(operator string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + ts.CreateOperatorToken(operator)}
}
