package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onsi/gomega"

	syncapp "github.com/checkapp/checkapp-sync-server/internal/app"
	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// ServerTestHelper manages the sync API server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	cfg        *config.Config
	secret     []byte
	baseURL    string
	httpClient *http.Client
	app        *syncapp.SyncApp
}

// NewServerTestHelper creates a new server test helper. Tokens minted by
// the helper are signed with secret.
func NewServerTestHelper(ctx context.Context, cfg *config.Config, secret []byte) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:    ctx,
		cfg:    cfg,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// StartServer starts the sync API server on a free local port
func (s *ServerTestHelper) StartServer() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	app, err := syncapp.NewSyncApp(s.ctx,
		syncapp.WithConfig(s.cfg),
		syncapp.WithAddress(listener.Addr().String()),
	)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = app
	s.baseURL = "http://" + listener.Addr().String()

	go func() {
		if err := app.Serve(listener); err != nil {
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
		}
	}()
	return nil
}

// StopServer gracefully stops the sync API server
func (s *ServerTestHelper) StopServer() error {
	if s.app != nil {
		return s.app.Stop(5 * time.Second)
	}
	return nil
}

// WaitForServerReady waits for the server to be ready to accept requests
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 200*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// Token mints a signed bearer token placing the caller in schema.
func (s *ServerTestHelper) Token(schema string) string {
	claims := jwt.MapClaims{
		"sub": "auditor-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]any{
			"schema": schema,
			"role":   "auditor",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return signed
}

// Get performs an authenticated GET and decodes the JSON body into out.
func (s *ServerTestHelper) Get(token, path string, out any) int {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.baseURL+path, nil)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return s.do(req, token, out)
}

// Post performs an authenticated JSON POST and decodes the response into out.
func (s *ServerTestHelper) Post(token, path string, body, out any) int {
	payload, err := json.Marshal(body)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, token, out)
}

func (s *ServerTestHelper) do(req *http.Request, token string, out any) int {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.httpClient.Do(req)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = resp.Body.Close()
	}()
	if out != nil {
		gomega.Expect(json.NewDecoder(resp.Body).Decode(out)).To(gomega.Succeed())
	}
	return resp.StatusCode
}
