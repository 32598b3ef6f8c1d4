package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// SessionState is the handshake state of a Session
type SessionState int

const (
	StateIdle SessionState = iota
	StateInitializing
	StateInitialized
	StateNotifyingReady
	StateToolsListed
	StateReady
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInitializing:
		return "Initializing"
	case StateInitialized:
		return "Initialized"
	case StateNotifyingReady:
		return "NotifyingReady"
	case StateToolsListed:
		return "ToolsListed"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Authorizer supplies bearer credentials and reacts to access challenges
type Authorizer interface {
	Token(ctx context.Context) (string, error)
	HandleChallenge(ctx context.Context, challenge *ChallengeError) error
}

// PendingCall tracks one in-flight request issued through Call
type PendingCall struct {
	ID     mcp.RequestId
	Method string
	Issued time.Time
	done   chan callResult
}

type callResult struct {
	env *Envelope
	err error
}

// flowCall tracks a handshake request (initialize or a tools/list page).
// Its response is applied to the session by dispatch.
type flowCall struct {
	method     string
	tools      []ToolDescriptor
	nextCursor string
	err        error
	done       chan struct{}
}

// SessionConfig configures a Session
type SessionConfig struct {
	Transport       Transport
	Authorizer      Authorizer
	Observer        *Observer
	Logger          *Logger
	ClientInfo      mcp.Implementation
	ProtocolVersion string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
}

// Session owns one server connection: the handshake state machine, id
// issuance and correlation of responses to pending calls.
type Session struct {
	transport       Transport
	authorizer      Authorizer
	observer        *Observer
	logger          *Logger
	clientInfo      mcp.Implementation
	protocolVersion string
	connectTimeout  time.Duration
	requestTimeout  time.Duration

	mu              sync.Mutex
	state           SessionState
	label           string
	nextID          int64
	pending         map[string]*PendingCall
	flow            map[string]*flowCall
	tools           []ToolDescriptor
	serverInfo      *ServerInfo
	initializedSent bool
}

// NewSession creates a session in the Idle state
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		transport:       cfg.Transport,
		authorizer:      cfg.Authorizer,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		clientInfo:      cfg.ClientInfo,
		protocolVersion: cfg.ProtocolVersion,
		connectTimeout:  cfg.ConnectTimeout,
		requestTimeout:  cfg.RequestTimeout,
		state:           StateIdle,
		pending:         make(map[string]*PendingCall),
		flow:            make(map[string]*flowCall),
	}
	if s.clientInfo.Name == "" {
		s.clientInfo = mcp.Implementation{Name: clientName, Version: "dev"}
	}
	if s.protocolVersion == "" {
		s.protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	return s
}

// State returns the current handshake state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Label returns the local identifier of the current connection attempt
func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Tools returns a copy of the tool catalog
func (s *Session) Tools() []ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// ServerInfo returns the server self-description, or nil before initialize
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// PendingCount returns the number of calls awaiting a response
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Connect runs the handshake: initialize, the initialized notification and
// tool discovery. A closed or failed session is reset to StateIdle first. A
// failure leaves the session in StateFailed; it is not retried. The connect
// timeout bounds each handshake exchange, not an authorization it triggers.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosed, StateFailed:
	default:
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "connect", State: state}
	}
	stale := s.state == StateFailed
	s.tools = nil
	s.serverInfo = nil
	s.initializedSent = false
	s.label = uuid.NewString()
	reset := s.state != StateIdle
	s.mu.Unlock()

	if stale {
		_ = s.transport.Close(ctx)
	}
	if reset {
		s.setState(StateIdle)
	}

	if err := s.handshake(ctx); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = &TransportError{Op: "connect", Err: err}
		}
		s.fail(err)
		return err
	}

	s.observer.connected(s.ServerInfo())
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateInitializing)

	params := map[string]any{
		"protocolVersion": s.protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      s.clientInfo,
	}
	if _, err := s.flowRequest(ctx, methodInitialize, params, s.connectTimeout); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if state := s.State(); state != StateInitialized {
		return &StateError{Op: "initialize response", State: state}
	}

	if err := s.sendInitialized(ctx); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	if err := s.ListTools(ctx); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	return nil
}

// sendInitialized sends notifications/initialized once per initialize
func (s *Session) sendInitialized(ctx context.Context) error {
	s.mu.Lock()
	if s.initializedSent {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateInitialized {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: notificationInitialized, State: state}
	}
	s.initializedSent = true
	s.mu.Unlock()

	s.logger.Notification(notificationInitialized, nil)
	if err := s.roundTrip(ctx, &Envelope{Method: notificationInitialized}, s.connectTimeout); err != nil {
		return err
	}
	return s.advance(StateInitialized, StateNotifyingReady)
}

// ListTools fetches the complete tool catalog, following pagination. It is
// only valid once the initialized notification has been sent.
func (s *Session) ListTools(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	info := s.serverInfo
	s.mu.Unlock()

	switch state {
	case StateNotifyingReady, StateToolsListed, StateReady:
	default:
		return &StateError{Op: methodToolsList, State: state}
	}

	timeout := s.requestTimeout
	if state == StateNotifyingReady {
		timeout = s.connectTimeout
	}

	var catalog []ToolDescriptor
	if info.SupportsTools() {
		cursor := ""
		for {
			var params any
			if cursor != "" {
				params = map[string]any{"cursor": cursor}
			}
			page, err := s.flowRequest(ctx, methodToolsList, params, timeout)
			if err != nil {
				return err
			}
			catalog = append(catalog, page.tools...)
			if page.nextCursor == "" || page.nextCursor == cursor {
				break
			}
			cursor = page.nextCursor
		}
	} else {
		s.logger.Info("Server does not support tools capability")
	}

	s.mu.Lock()
	s.tools = catalog
	s.mu.Unlock()

	if state == StateNotifyingReady {
		if err := s.advance(StateNotifyingReady, StateToolsListed); err != nil {
			return err
		}
		if err := s.advance(StateToolsListed, StateReady); err != nil {
			return err
		}
	}

	s.observer.tools(s.Tools())
	return nil
}

// Call sends a request and waits for its response. It is only valid in
// StateReady. A JSON-RPC error response is returned as *RPCError.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, &StateError{Op: method, State: state}
	}
	id, key := s.issueIDLocked()
	call := &PendingCall{ID: id, Method: method, Issued: time.Now(), done: make(chan callResult, 1)}
	s.pending[key] = call
	s.mu.Unlock()

	s.logger.Request(method, params)
	if err := s.roundTrip(ctx, &Envelope{ID: &id, Method: method, Params: rawParams}, s.requestTimeout); err != nil {
		s.discard(key)
		return nil, s.timeoutError(ctx, method, err)
	}

	// a response that did not arrive with the POST reply may still come
	// over the listen stream
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, res.env.Error
		}
		s.logger.Response(method, res.env.Result)
		return res.env.Result, nil
	case <-callCtx.Done():
		s.discard(key)
		return nil, s.timeoutError(ctx, method, callCtx.Err())
	}
}

// Notify sends a notification. No id is allocated and no response is awaited.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if method == notificationInitialized {
		return fmt.Errorf("%s is sent by the session during connect", method)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateNotifyingReady, StateToolsListed, StateReady:
	default:
		return &StateError{Op: method, State: state}
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	s.logger.Notification(method, params)
	return s.roundTrip(ctx, &Envelope{Method: method, Params: rawParams}, s.requestTimeout)
}

// Listen dispatches server-initiated messages from the standalone event
// stream until ctx is done.
func (s *Session) Listen(ctx context.Context) error {
	switch state := s.State(); state {
	case StateNotifyingReady, StateToolsListed, StateReady:
	default:
		return &StateError{Op: "listen", State: state}
	}
	return s.transport.Listen(ctx, s.dispatch)
}

// Disconnect closes the transport, cancels pending calls, clears the catalog
// and moves to StateClosed regardless of the current state.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	flows := s.flow
	s.pending = make(map[string]*PendingCall)
	s.flow = make(map[string]*flowCall)
	s.tools = nil
	s.initializedSent = false
	from := s.state
	s.state = StateClosed
	s.mu.Unlock()
	s.observer.stateChanged(from, StateClosed)

	err := s.transport.Close(ctx)

	// waiters are released after the state change so an interrupted
	// handshake sees StateClosed
	for _, call := range pending {
		call.done <- callResult{err: ErrCancelled}
	}
	for _, fc := range flows {
		fc.err = ErrCancelled
		close(fc.done)
	}

	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// dispatch routes an incoming envelope: a pending call first, then a
// handshake step, and otherwise the message observer.
func (s *Session) dispatch(env *Envelope) {
	if key := env.idKey(); key != "" && env.IsResponse() {
		s.mu.Lock()
		if call, ok := s.pending[key]; ok {
			delete(s.pending, key)
			s.mu.Unlock()
			call.done <- callResult{env: env}
			return
		}
		if fc, ok := s.flow[key]; ok {
			delete(s.flow, key)
			s.mu.Unlock()
			s.completeFlow(fc, env)
			return
		}
		s.mu.Unlock()
	}

	if env.IsNotification() {
		s.logger.Notification(env.Method, env.Params)
	}
	s.observer.message(env)
}

// completeFlow applies a handshake response to the session
func (s *Session) completeFlow(fc *flowCall, env *Envelope) {
	defer close(fc.done)

	if env.Error != nil {
		fc.err = env.Error
		return
	}
	s.logger.Response(fc.method, env.Result)

	switch fc.method {
	case methodInitialize:
		var result struct {
			ProtocolVersion string             `json:"protocolVersion"`
			Capabilities    json.RawMessage    `json:"capabilities"`
			ServerInfo      mcp.Implementation `json:"serverInfo"`
			Instructions    string             `json:"instructions"`
		}
		if err := json.Unmarshal(env.Result, &result); err != nil {
			fc.err = &ProtocolError{Kind: ProtocolOutOfContract, Detail: "invalid initialize result", Err: err}
			return
		}
		s.mu.Lock()
		s.serverInfo = &ServerInfo{
			ProtocolVersion: result.ProtocolVersion,
			Implementation:  result.ServerInfo,
			Instructions:    result.Instructions,
			Capabilities:    result.Capabilities,
		}
		s.mu.Unlock()
		s.setState(StateInitialized)

	case methodToolsList:
		var result struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(env.Result, &result); err != nil {
			fc.err = &ProtocolError{Kind: ProtocolOutOfContract, Detail: "invalid tools/list result", Err: err}
			return
		}
		fc.tools = result.Tools
		fc.nextCursor = result.NextCursor
	}
}

func (s *Session) flowRequest(ctx context.Context, method string, params any, timeout time.Duration) (*flowCall, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id, key := s.issueIDLocked()
	fc := &flowCall{method: method, done: make(chan struct{})}
	s.flow[key] = fc
	s.mu.Unlock()

	s.logger.Request(method, params)
	if err := s.roundTrip(ctx, &Envelope{ID: &id, Method: method, Params: rawParams}, timeout); err != nil {
		s.discard(key)
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-fc.done:
		return fc, fc.err
	case <-waitCtx.Done():
		s.discard(key)
		return nil, waitCtx.Err()
	}
}

// roundTrip sends an envelope and, on an access challenge, hands the
// challenge to the authorizer and re-sends the same envelope once. timeout
// bounds each send but not the authorizer, which only sees ctx.
func (s *Session) roundTrip(ctx context.Context, env *Envelope, timeout time.Duration) error {
	err := s.send(ctx, env, timeout)

	var challenge *ChallengeError
	if err == nil || !errors.As(err, &challenge) || s.authorizer == nil {
		return err
	}

	s.observer.authorizationRequired(challenge)
	if authErr := s.authorizer.HandleChallenge(ctx, challenge); authErr != nil {
		s.observer.reportError(authErr)
		return fmt.Errorf("authorization for %s failed: %w", env.Method, authErr)
	}

	s.logger.InfoVerbose("Retrying %s after authorization", env.Method)
	return s.send(ctx, env, timeout)
}

func (s *Session) send(ctx context.Context, env *Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.transport.Send(ctx, env, s.dispatch)
}

func (s *Session) issueIDLocked() (mcp.RequestId, string) {
	s.nextID++
	id := mcp.NewRequestId(s.nextID)
	return id, id.String()
}

func (s *Session) discard(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	delete(s.flow, key)
	s.mu.Unlock()
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.observer.stateChanged(from, to)
}

// advance moves from one handshake state to the next. It fails when the
// session is no longer in from, as after Disconnect.
func (s *Session) advance(from, to SessionState) error {
	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "enter " + to.String(), State: state}
	}
	s.state = to
	s.mu.Unlock()
	s.observer.stateChanged(from, to)
	return nil
}

// fail moves to StateFailed unless Disconnect already closed the session
func (s *Session) fail(err error) {
	s.mu.Lock()
	from := s.state
	if from != StateClosed {
		s.state = StateFailed
	}
	s.mu.Unlock()

	if from == StateClosed {
		s.logger.Debug("Handshake ended after disconnect: %v", err)
		return
	}
	s.logger.Error("Session failed: %v", err)
	s.observer.stateChanged(from, StateFailed)
	s.observer.reportError(err)
}

// timeoutError reports a request deadline imposed by the session as a
// transport error, leaving caller cancellation untouched.
func (s *Session) timeoutError(parent context.Context, method string, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: method, Err: err}
	}
	return err
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
