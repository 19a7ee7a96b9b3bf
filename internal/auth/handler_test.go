package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/testutil"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func do(t *testing.T, r http.Handler, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestHTTPSessionAndMe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := testutil.NewStore(t)
	jwtService := auth.NewJWTService("secret", 1)
	h := auth.NewHandler(auth.NewRepository(store, jwtService, zap.NewNop()), zap.NewNop())
	r := gin.New()
	r.POST("/auth/session", h.CreateSession)
	r.GET("/auth/me", middleware.JWT(jwtService), auth.Me(middleware.GetIdentity))

	code, env := do(t, r, http.MethodPost, "/auth/session", "", auth.SessionRequest{Role: models.RoleStudent, Name: "  Bo  "})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var issued auth.IssuedSession
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	require.NotEmpty(t, issued.Token)
	assert.Equal(t, models.RoleStudent, issued.Identity.Role)
	assert.Equal(t, "Bo", issued.Identity.Name)

	student, err := store.GetStudent(context.Background(), issued.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bo", student.Name)

	code, env = do(t, r, http.MethodGet, "/auth/me", issued.Token, nil)
	require.Equal(t, http.StatusOK, code)
	var me models.Identity
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, issued.Identity.ID, me.ID)
	assert.Equal(t, models.RoleStudent, me.Role)

	code, _ = do(t, r, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = do(t, r, http.MethodPost, "/auth/session", "", auth.SessionRequest{Role: "ADMIN", Name: "Eve"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION", env.Kind)

	code, _ = do(t, r, http.MethodPost, "/auth/session", "", map[string]string{"role": "TEACHER"})
	assert.Equal(t, http.StatusBadRequest, code)
}
