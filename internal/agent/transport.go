package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/tidwall/gjson"
)

// Streamable HTTP header names
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
	headerWWWAuthenticate = "WWW-Authenticate"
)

// maxResponseSize bounds a single JSON response body
const maxResponseSize = 16 * 1024 * 1024

// TransportMode records how the last response was framed
type TransportMode string

const (
	ModeRequestResponse TransportMode = "request-response"
	ModeEventStream     TransportMode = "event-stream"
)

// Transport moves envelopes between the session and a server. Send delivers
// every envelope received in reply to env, including unsolicited ones, to
// deliver before returning.
type Transport interface {
	Send(ctx context.Context, env *Envelope, deliver func(*Envelope)) error
	Listen(ctx context.Context, deliver func(*Envelope)) error
	Close(ctx context.Context) error
}

// CredentialSource returns the bearer token to present, or "" for none
type CredentialSource func(ctx context.Context) (string, error)

// HTTPTransportConfig configures an HTTPTransport
type HTTPTransportConfig struct {
	Endpoint    string
	HTTPClient  *http.Client
	Credentials CredentialSource
	UserAgent   string
	Logger      *Logger
}

// HTTPTransport implements the streamable HTTP transport: every message is
// POSTed and the reply is either a JSON document or an event stream.
type HTTPTransport struct {
	endpoint    string
	client      *http.Client
	credentials CredentialSource
	userAgent   string
	logger      *Logger

	mu              sync.RWMutex
	sessionID       string
	protocolVersion string
	mode            TransportMode
}

// NewHTTPTransport creates a streamable HTTP transport for an endpoint
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "mcp-probe"
	}
	return &HTTPTransport{
		endpoint:    cfg.Endpoint,
		client:      httpClient,
		credentials: cfg.Credentials,
		userAgent:   ua,
		logger:      cfg.Logger,
	}
}

// SessionID returns the server-assigned session id, if any
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Mode returns the framing of the most recent response
func (t *HTTPTransport) Mode() TransportMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// ProtocolVersion returns the version negotiated during initialize
func (t *HTTPTransport) ProtocolVersion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.protocolVersion
}

// Send POSTs an envelope. For requests it reads the reply until the response
// with the matching id has been delivered.
func (t *HTTPTransport) Send(ctx context.Context, env *Envelope, deliver func(*Envelope)) error {
	body, err := Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: env.Method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := t.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: env.Method, Err: err}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if err := checkStatus(resp, env.Method); err != nil {
		return err
	}

	wantKey := env.idKey()
	if wantKey == "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}
	if resp.StatusCode == http.StatusAccepted {
		return &ProtocolError{Kind: ProtocolOutOfContract, Detail: fmt.Sprintf("server accepted %s without a response", env.Method)}
	}

	answered := false
	handle := func(in *Envelope) {
		if in.IsResponse() && in.idKey() == wantKey {
			answered = true
			if env.Method == methodInitialize && len(in.Result) > 0 {
				t.recordProtocolVersion(in)
			}
		}
		deliver(in)
	}

	contentType := resp.Header.Get("Content-Type")
	if contenttype.NewMediaType(contentType).Matches(eventStreamMediaType) {
		t.setMode(ModeEventStream)
		err = DecodeStream(resp.Body, func(in *Envelope) error {
			handle(in)
			if answered {
				return errStopStream
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		t.setMode(ModeRequestResponse)
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return &TransportError{Op: env.Method, StatusCode: resp.StatusCode, Err: err}
		}
		in, err := DecodeBody(contentType, raw)
		if err != nil {
			return err
		}
		handle(in)
	}

	if !answered {
		return &ProtocolError{Kind: ProtocolOutOfContract, Detail: fmt.Sprintf("no response for %s (id %s)", env.Method, wantKey)}
	}
	return nil
}

// Listen opens the standalone GET event stream and delivers server-initiated
// messages until ctx is done. A server without the stream (405) yields nil.
func (t *HTTPTransport) Listen(ctx context.Context, deliver func(*Envelope)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &TransportError{Op: "listen", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		t.logger.InfoVerbose("Server does not offer a standalone event stream")
		return nil
	}
	if err := checkStatus(resp, "listen"); err != nil {
		return err
	}

	err = DecodeStream(resp.Body, func(in *Envelope) error {
		deliver(in)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close terminates the server session with DELETE when one was assigned
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.protocolVersion = ""
	t.mu.Unlock()

	if sid == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	req.Header.Set(headerSessionID, sid)
	req.Header.Set("User-Agent", t.userAgent)
	if err := t.setBearer(ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	defer resp.Body.Close()

	// 405 means the server does not allow clients to terminate sessions
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return &TransportError{Op: "close", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

func (t *HTTPTransport) applyHeaders(ctx context.Context, req *http.Request) error {
	req.Header.Set("User-Agent", t.userAgent)

	t.mu.RLock()
	sid, version := t.sessionID, t.protocolVersion
	t.mu.RUnlock()
	if sid != "" {
		req.Header.Set(headerSessionID, sid)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}
	return t.setBearer(ctx, req)
}

func (t *HTTPTransport) setBearer(ctx context.Context, req *http.Request) error {
	if t.credentials == nil {
		return nil
	}
	token, err := t.credentials(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (t *HTTPTransport) setMode(mode TransportMode) {
	t.mu.Lock()
	t.mode = mode
	t.mu.Unlock()
}

func (t *HTTPTransport) recordProtocolVersion(in *Envelope) {
	version := gjson.GetBytes(in.Result, "protocolVersion").String()
	if version == "" {
		return
	}
	t.mu.Lock()
	t.protocolVersion = version
	t.mu.Unlock()
}

// checkStatus maps HTTP failures into the error taxonomy. 401, and 403 with
// a Bearer challenge, become *ChallengeError; everything else at 400 and
// above becomes *TransportError.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode < 400 {
		return nil
	}

	header := resp.Header.Get(headerWWWAuthenticate)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		var challenge *WWWAuthenticateChallenge
		if header != "" {
			if parsed, err := parseWWWAuthenticate(header); err == nil {
				challenge = parsed
			}
		}
		if resp.StatusCode == http.StatusUnauthorized || challenge != nil {
			return &ChallengeError{StatusCode: resp.StatusCode, Challenge: challenge, rejected: bearerToken(resp.Request)}
		}
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = resp.Status
	}
	return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(detail)}
}

// bearerToken returns the access token req was sent with
func bearerToken(req *http.Request) string {
	if req == nil {
		return ""
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}
