package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/server/handlers"
	"github.com/3leaps/godetonate/pkg/jobstore"
)

func TestStoreHealthChecker(t *testing.T) {
	ctx := context.Background()

	err := storeHealthChecker{}.CheckHealth(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job store not initialized")

	assert.NoError(t, storeHealthChecker{store: jobstore.NewMemory()}.CheckHealth(ctx))

	store, err := jobstore.Open(ctx, jobstore.Config{
		Driver: jobstore.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	err = storeHealthChecker{store: store}.CheckHealth(ctx)
	require.Error(t, err, "closed sqlite store must be reported")
	assert.Contains(t, err.Error(), "job store")
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*config.Identity)
		wantErr string
	}{
		"default identity": {mutate: func(*config.Identity) {}},
		"no binary name":   {mutate: func(id *config.Identity) { id.BinaryName = "" }, wantErr: "missing binary name"},
		"no env prefix":    {mutate: func(id *config.Identity) { id.EnvPrefix = "" }, wantErr: "missing env prefix"},
		"no config name":   {mutate: func(id *config.Identity) { id.ConfigName = "" }, wantErr: "missing config name"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			id := config.DefaultIdentity
			tt.mutate(&id)

			err := identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			}.CheckHealth(context.Background())

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterHealthChecks(t *testing.T) {
	registerHealthChecks(jobstore.NewMemory())
	hm := handlers.GetHealthManager()
	require.NotNil(t, hm)

	rec := httptest.NewRecorder()
	hm.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]string{
		"identity": "healthy",
		"store":    "healthy",
		"signal":   "healthy",
	}, resp.Checks)
}
