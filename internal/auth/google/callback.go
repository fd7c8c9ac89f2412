package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStateMismatch means the provider returned a state token different
// from the one issued for this attempt. CSRF defense; fatal, not retried.
var ErrStateMismatch = errors.New("oauth state token mismatch")

// ErrCallbackTimeout means no authorization redirect arrived in time.
var ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")

// ProviderError is the error the provider reported via the redirect's
// error query parameter.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider rejected authorization: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider rejected authorization: %s", e.Code)
}

type callbackResult struct {
	code string
	err  error
}

// CallbackServer is the single-use loopback listener that receives the
// authorization redirect for one login attempt.
type CallbackServer struct {
	log      *zap.Logger
	state    string
	srv      *http.Server
	resultCh chan callbackResult
	received atomic.Bool
	stopOnce sync.Once
}

// NewCallbackServer creates a listener bound to the given CSRF state token.
func NewCallbackServer(state string, log *zap.Logger) *CallbackServer {
	return &CallbackServer{
		log:      log,
		state:    state,
		resultCh: make(chan callbackResult, 1),
	}
}

// Start binds an OS-assigned ephemeral loopback port and returns the
// redirect URI to hand to the provider.
func (s *CallbackServer) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("start callback listener: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Warn("callback server error", zap.Error(err))
		}
	}()

	s.log.Debug("callback server listening", zap.Int("port", port))
	return redirectURI, nil
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.received.Swap(true) {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		err := &ProviderError{Code: errCode, Description: q.Get("error_description")}
		s.resultCh <- callbackResult{err: err}
		writePage(w, http.StatusBadRequest, "Login failed", err.Error())
		return
	}

	// State check happens regardless of whether a code is present.
	if q.Get("state") != s.state {
		s.resultCh <- callbackResult{err: ErrStateMismatch}
		writePage(w, http.StatusBadRequest, "Login failed", "Invalid state token.")
		return
	}

	code := q.Get("code")
	if code == "" {
		err := &ProviderError{Code: "missing_code", Description: "redirect carried no authorization code"}
		s.resultCh <- callbackResult{err: err}
		writePage(w, http.StatusBadRequest, "Login failed", "No authorization code received.")
		return
	}

	writePage(w, http.StatusOK, "Login successful", "You can close this window and return to the app.")
	s.resultCh <- callbackResult{code: code}
}

// Await blocks until the redirect arrives or ctx ends. The listener is
// torn down on every terminal outcome; the server is single-use.
func (s *CallbackServer) Await(ctx context.Context) (string, error) {
	defer s.Stop()
	select {
	case res := <-s.resultCh:
		return res.code, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrCallbackTimeout
		}
		return "", ctx.Err()
	}
}

// Stop shuts the listener down. Idempotent.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Warn("callback server shutdown", zap.Error(err))
		}
	})
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>%s</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		h1 { font-size: 24px; }
	</style>
</head>
<body>
	<h1>%s</h1>
	<p>%s</p>
</body>
</html>`, title, title, message)
}
