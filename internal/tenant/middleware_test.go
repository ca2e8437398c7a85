package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("segredo-de-teste")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

// captured records what the next handler saw.
type captured struct {
	called bool
	schema string
	user   *User
}

func (c *captured) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.schema, _ = SchemaFromContext(r.Context())
		c.user, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_Unverified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantSchema string
		wantUserID string
	}{
		{
			name:       "no token falls back to default",
			wantStatus: http.StatusOK,
			wantSchema: "passeio",
		},
		{
			name:       "garbage token falls back to default",
			authHeader: "Bearer not-a-jwt",
			wantStatus: http.StatusOK,
			wantSchema: "passeio",
		},
		{
			name: "schema from user_metadata",
			authHeader: "Bearer " + signToken(t, []byte("any key"), jwt.MapClaims{
				"sub":           "u-1",
				"user_metadata": map[string]any{"schema": "loja_centro"},
			}),
			wantStatus: http.StatusOK,
			wantSchema: "loja_centro",
			wantUserID: "u-1",
		},
		{
			name: "schema from raw_app_meta_data",
			authHeader: "Bearer " + signToken(t, []byte("other key"), jwt.MapClaims{
				"user_id":           "u-2",
				"raw_app_meta_data": map[string]any{"schema": "loja_norte"},
			}),
			wantStatus: http.StatusOK,
			wantSchema: "loja_norte",
			wantUserID: "u-2",
		},
		{
			name: "token without schema falls back to default",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub": "u-3",
			}),
			wantStatus: http.StatusOK,
			wantSchema: "passeio",
		},
		{
			name: "injection attempt is forbidden",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"user_metadata": map[string]any{"schema": `public"; DROP TABLE lojas; --`},
			}),
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := NewResolver("passeio", nil)
			var got captured
			req := httptest.NewRequest(http.MethodGet, "/sync/pull/lojas", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			resolver.Middleware(got.handler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.False(t, got.called)
				return
			}
			require.True(t, got.called)
			assert.Equal(t, tt.wantSchema, got.schema)
			if tt.wantUserID == "" {
				assert.Nil(t, got.user)
			} else {
				require.NotNil(t, got.user)
				assert.Equal(t, tt.wantUserID, got.user.ID)
			}
		})
	}
}

func TestMiddleware_Verified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantSchema string
		wantError  string
	}{
		{
			name:       "missing token",
			wantStatus: http.StatusUnauthorized,
			wantError:  `error="invalid_request"`,
		},
		{
			name:       "basic auth",
			authHeader: "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
			wantError:  `error="invalid_request"`,
		},
		{
			name: "wrong signature",
			authHeader: "Bearer " + signToken(t, []byte("outro"), jwt.MapClaims{
				"user_metadata": map[string]any{"schema": "loja_centro"},
			}),
			wantStatus: http.StatusUnauthorized,
			wantError:  `error="invalid_token"`,
		},
		{
			name: "expired token",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"exp":           time.Now().Add(-time.Hour).Unix(),
				"user_metadata": map[string]any{"schema": "loja_centro"},
			}),
			wantStatus: http.StatusUnauthorized,
			wantError:  `error="invalid_token"`,
		},
		{
			name: "valid token",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub":           "u-1",
				"email":         "auditor@example.com",
				"exp":           time.Now().Add(time.Hour).Unix(),
				"user_metadata": map[string]any{"schema": "loja_centro", "role": "auditor"},
			}),
			wantStatus: http.StatusOK,
			wantSchema: "loja_centro",
		},
		{
			name: "valid token without schema uses default",
			authHeader: "Bearer " + signToken(t, testSecret, jwt.MapClaims{
				"sub": "u-1",
			}),
			wantStatus: http.StatusOK,
			wantSchema: "passeio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := NewResolver("passeio", testSecret)
			var got captured
			req := httptest.NewRequest(http.MethodPost, "/api/sync/push", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			resolver.Middleware(got.handler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.False(t, got.called)
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), tt.wantError)
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="checkapp-sync"`)
				assert.JSONEq(t, `{"success":false,"errors":["token validation failed"]}`, rec.Body.String())
				return
			}
			require.True(t, got.called)
			assert.Equal(t, tt.wantSchema, got.schema)
		})
	}
}

func TestMiddleware_UserClaims(t *testing.T) {
	t.Parallel()

	resolver := NewResolver("passeio", testSecret)
	var got captured
	req := httptest.NewRequest(http.MethodGet, "/sync/rules", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{
		"sub":           "u-9",
		"email":         "auditor@example.com",
		"user_metadata": map[string]any{"schema": "loja_sul", "role": "auditor"},
	}))
	rec := httptest.NewRecorder()

	resolver.Middleware(got.handler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.user)
	assert.Equal(t, User{ID: "u-9", Email: "auditor@example.com", Role: "auditor"}, *got.user)
}

func TestMiddleware_PublicPaths(t *testing.T) {
	t.Parallel()

	resolver := NewResolver("passeio", testSecret, "/docs")

	for _, p := range []string{"/health", "/readiness", "/version", "/metrics", "/docs/index.html"} {
		var got captured
		rec := httptest.NewRecorder()
		resolver.Middleware(got.handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.True(t, got.called, p)
		assert.Empty(t, got.schema, p)
	}
}

func TestSanitizeHeaderValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain", sanitizeHeaderValue("plain"))
	assert.Equal(t, `a\"b`, sanitizeHeaderValue("a\r\n\"b"))
}
