package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/checkapp/checkapp-sync-server/database"
)

// RFC 6750 Section 3 error codes
const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInvalidToken   = "invalid_token"
)

const realm = "checkapp-sync"

var (
	errMissingToken = errors.New("missing bearer token")
	errNoSchema     = errors.New("token carries no schema")
)

// Resolver extracts the tenant schema from requests.
//
// Without a secret, tokens are decoded without verifying their signature
// and any failure falls back to the default schema. With a secret, tokens
// must carry a valid HS256 signature and requests without one are rejected.
type Resolver struct {
	defaultSchema string
	secret        []byte
	publicPaths   []string
	parser        *jwt.Parser
}

// NewResolver creates a tenant resolver. publicPaths are added to
// DefaultPublicPaths.
func NewResolver(defaultSchema string, secret []byte, publicPaths ...string) *Resolver {
	return &Resolver{
		defaultSchema: defaultSchema,
		secret:        secret,
		publicPaths:   append(append([]string{}, DefaultPublicPaths...), publicPaths...),
		parser:        jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verifying reports whether token signatures are checked.
func (r *Resolver) Verifying() bool {
	return len(r.secret) > 0
}

// Middleware stores the request's schema and user in its context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if IsPublicPath(req.URL.Path, r.publicPaths) {
			next.ServeHTTP(w, req)
			return
		}

		schema, user, err := r.resolve(req)
		if err != nil {
			if r.Verifying() {
				slog.Warn("Token rejected",
					"error", err, "remote_addr", req.RemoteAddr, "path", req.URL.Path)
				code := errorCodeInvalidToken
				if errors.Is(err, errMissingToken) {
					code = errorCodeInvalidRequest
				}
				writeError(w, http.StatusUnauthorized, code, "token validation failed")
				return
			}
			slog.Debug("Using default schema", "reason", err, "schema", r.defaultSchema)
			schema, user = r.defaultSchema, nil
		}

		if err := database.ValidateSchemaName(schema); err != nil {
			slog.Warn("Rejected tenant schema", "schema", schema, "path", req.URL.Path)
			writeError(w, http.StatusForbidden, errorCodeInvalidToken, "invalid tenant schema")
			return
		}

		ctx := WithSchema(req.Context(), schema)
		if user != nil {
			ctx = WithUser(ctx, user)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func (r *Resolver) resolve(req *http.Request) (string, *User, error) {
	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", nil, errMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return "", nil, errMissingToken
	}

	claims := jwt.MapClaims{}
	if r.Verifying() {
		if _, err := r.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return r.secret, nil
		}); err != nil {
			return "", nil, err
		}
	} else if _, _, err := r.parser.ParseUnverified(raw, claims); err != nil {
		return "", nil, err
	}

	schema, user := fromClaims(claims)
	if schema == "" {
		if r.Verifying() {
			// A verified token without a schema still belongs to a valid caller.
			return r.defaultSchema, user, nil
		}
		return "", nil, errNoSchema
	}
	return schema, user, nil
}

// fromClaims reads the schema from user_metadata, falling back to
// raw_app_meta_data.
func fromClaims(claims jwt.MapClaims) (string, *User) {
	meta, _ := claims["user_metadata"].(map[string]any)
	if meta == nil {
		meta, _ = claims["raw_app_meta_data"].(map[string]any)
	}

	schema, _ := meta["schema"].(string)
	role, _ := meta["role"].(string)

	user := &User{Role: role}
	user.ID, _ = claims["sub"].(string)
	if user.ID == "" {
		user.ID, _ = claims["user_id"].(string)
	}
	user.Email, _ = claims["email"].(string)
	return strings.TrimSpace(schema), user
}

func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, `"`, `\"`)
}

// writeError writes a JSON error with an RFC 6750 WWW-Authenticate header.
func writeError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`,
		realm, errCode, sanitizeHeaderValue(description)))
	w.WriteHeader(status)

	resp := struct {
		Success bool     `json:"success"`
		Errors  []string `json:"errors"`
	}{Errors: []string{description}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
