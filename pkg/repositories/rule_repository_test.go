package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "clover"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

func getTestContext(tenantID uuid.UUID) context.Context {
	ctx := context.Background()
	return appctx.SetTenantID(ctx, tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

// assertUnauthorized asserts that err is an HTTP 401 error
func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err), "expected 401, got: %d", httperror.GetStatusCode(err))
}

func TestRuleRepository_CRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewRuleRepository(db, logger)

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	// Test Create
	rule := &models.AutomationRule{
		Name:         "Welcome message",
		TriggerStage: "Contacted",
		ActionType:   "send_message",
		Payload:      database.JSONB[map[string]any]{Data: map[string]any{"template": "welcome"}},
		Enabled:      true,
	}

	err := repo.Create(ctx, rule)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, rule.ID)
	assert.Equal(t, tenantID, rule.TenantID)
	assert.False(t, rule.CreatedAt.IsZero())

	// Test GetByID
	fetched, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, fetched.ID)
	assert.Equal(t, "Contacted", fetched.TriggerStage)
	assert.Equal(t, "welcome", fetched.Payload.Data["template"])

	// Test List
	rules, err := repo.List(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(rules), 1)

	// Test ListEnabled
	enabled, err := repo.ListEnabled(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	// Test Toggle
	toggled, err := repo.Toggle(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	enabled, err = repo.ListEnabled(ctx, tenantID)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	toggled, err = repo.Toggle(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, toggled.Enabled)

	_, err = repo.Toggle(ctx, uuid.New())
	assertNotFound(t, err)

	// Test Update
	rule.Name = "Qualified alert"
	rule.TriggerStage = "Qualified"
	rule.Enabled = true
	err = repo.Update(ctx, rule)
	require.NoError(t, err)

	updated, err := repo.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Qualified alert", updated.Name)
	assert.Equal(t, "Qualified", updated.TriggerStage)

	// Test tenant isolation - different tenant shouldn't see this rule
	otherTenantCtx := getTestContext(uuid.New())
	_, err = repo.GetByID(otherTenantCtx, rule.ID)
	assertNotFound(t, err)

	// Test Delete
	err = repo.Delete(ctx, rule.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, rule.ID)
	assertNotFound(t, err)
}

func TestRuleRepository_TenantRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewRuleRepository(db, logger)

	// Context without tenant ID
	ctx := context.Background()

	rule := &models.AutomationRule{
		Name:         "Should fail",
		TriggerStage: "New",
		ActionType:   "send_message",
	}

	err := repo.Create(ctx, rule)
	assertUnauthorized(t, err)
}

func TestAccountRepository_UpsertAndTokens(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewAccountRepository(db, logger)

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	account := &models.CRMAccount{
		TenantID:     tenantID,
		Subdomain:    "acme",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IsActive:     true,
	}

	err := repo.Upsert(ctx, account)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, account.ID)

	// Upsert again with new credentials keeps a single row
	firstID := account.ID
	account.AccessToken = "access-2"
	err = repo.Upsert(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, firstID, account.ID)

	fetched, err := repo.GetActive(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", fetched.Subdomain)
	assert.Equal(t, "access-2", fetched.AccessToken)

	// Test UpdateTokens
	err = repo.UpdateTokens(ctx, tenantID, "access-3", "refresh-3")
	require.NoError(t, err)

	fetched, err = repo.GetActive(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "access-3", fetched.AccessToken)
	assert.Equal(t, "refresh-3", fetched.RefreshToken)

	// Test Deactivate
	err = repo.Deactivate(ctx, tenantID)
	require.NoError(t, err)

	_, err = repo.GetActive(ctx, tenantID)
	assertNotFound(t, err)

	// Tokens cannot be rotated on an inactive account
	err = repo.UpdateTokens(ctx, tenantID, "x", "y")
	assertNotFound(t, err)
}
