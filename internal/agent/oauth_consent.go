package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/browser"
)

// ConsentRequest describes one interactive authorization step
type ConsentRequest struct {
	// AuthorizationURL is the fully built authorization endpoint URL,
	// including the PKCE challenge, state and resource parameters
	AuthorizationURL string

	// RedirectURL is where the authorization server sends the result
	RedirectURL string

	// State is the nonce the callback must echo back
	State string
}

// ConsentResult is what came back on the redirect
type ConsentResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ConsentProvider obtains user consent and returns the redirect parameters.
// Implementations return an error wrapping ErrConsentCancelled (or the
// context error) when the user abandons the flow.
type ConsentProvider interface {
	RequestConsent(ctx context.Context, req ConsentRequest) (*ConsentResult, error)
}

// ConsentFunc adapts a function to ConsentProvider
type ConsentFunc func(ctx context.Context, req ConsentRequest) (*ConsentResult, error)

// RequestConsent calls f
func (f ConsentFunc) RequestConsent(ctx context.Context, req ConsentRequest) (*ConsentResult, error) {
	return f(ctx, req)
}

const callbackSuccessPage = `<html><body><h1>Authorization complete</h1><p>You can close this window and return to mcp-probe.</p></body></html>`

// LoopbackConsent opens the authorization URL in a browser and receives the
// redirect on a local HTTP listener bound to the redirect URL's host and path.
type LoopbackConsent struct {
	Logger *Logger

	// OpenBrowser opens a URL; defaults to browser.OpenURL
	OpenBrowser func(string) error

	// Timeout bounds the wait for the redirect; zero means no bound besides ctx
	Timeout time.Duration
}

// NewLoopbackConsent creates a browser-based consent provider
func NewLoopbackConsent(logger *Logger, timeout time.Duration) *LoopbackConsent {
	return &LoopbackConsent{
		Logger:      logger,
		OpenBrowser: openBrowser,
		Timeout:     timeout,
	}
}

// RequestConsent implements ConsentProvider
func (l *LoopbackConsent) RequestConsent(ctx context.Context, req ConsentRequest) (*ConsentResult, error) {
	redirect, err := url.Parse(req.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	// Bind before opening the browser so a busy port fails fast
	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener on %s: %w", redirect.Host, err)
	}

	results := make(chan *ConsentResult, 1)
	var once sync.Once

	// Isolated mux so nothing else registered on DefaultServeMux is exposed
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		result := &ConsentResult{
			Code:             query.Get("code"),
			State:            query.Get("state"),
			Error:            query.Get("error"),
			ErrorDescription: query.Get("error_description"),
		}
		if result.Code == "" && result.Error == "" {
			http.Error(w, "Missing code or error parameter", http.StatusBadRequest)
			return
		}

		once.Do(func() { results <- result })

		if result.Error != "" {
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(callbackSuccessPage))
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("callback server error: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	open := l.OpenBrowser
	if open == nil {
		open = openBrowser
	}
	l.Logger.Info("Opening browser for authorization...")
	if err := open(req.AuthorizationURL); err != nil {
		l.Logger.Warning("Could not open browser automatically: %v", err)
		l.Logger.Info("Please open this URL in your browser:")
		l.Logger.Info("%s", req.AuthorizationURL)
	}

	waitCtx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	l.Logger.Info("Waiting for authorization...")
	select {
	case result := <-results:
		return result, nil
	case err := <-serveErr:
		return nil, err
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrConsentCancelled, waitCtx.Err())
	}
}

// openBrowser validates the URL scheme and hands it to the system browser
func openBrowser(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != schemeHTTP && parsedURL.Scheme != schemeHTTPS {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsedURL.Scheme)
	}
	return browser.OpenURL(rawURL)
}
