package agent

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// Observer receives session events. Any hook may be nil. Hooks are invoked
// without the session lock held, so they may call back into the session.
type Observer struct {
	OnStateChange           func(from, to SessionState)
	OnConnected             func(info *ServerInfo)
	OnTools                 func(tools []ToolDescriptor)
	OnMessage               func(env *Envelope)
	OnError                 func(err error)
	OnAuthorizationRequired func(challenge *ChallengeError)
}

// ServerInfo is the server's self-description from the initialize response
type ServerInfo struct {
	ProtocolVersion string
	Implementation  mcp.Implementation
	Instructions    string

	// Capabilities is kept raw so that a server with malformed capability
	// values still completes the handshake.
	Capabilities json.RawMessage
}

// SupportsTools reports whether the server declared the tools capability
func (i *ServerInfo) SupportsTools() bool {
	return i != nil && gjson.GetBytes(i.Capabilities, "tools").Exists()
}

// ToolsListChanged reports whether the server will send list_changed notifications
func (i *ServerInfo) ToolsListChanged() bool {
	return i != nil && gjson.GetBytes(i.Capabilities, "tools.listChanged").Bool()
}

// ToolDescriptor is one entry of the server's tool catalog
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (o *Observer) stateChanged(from, to SessionState) {
	if o != nil && o.OnStateChange != nil && from != to {
		o.OnStateChange(from, to)
	}
}

func (o *Observer) connected(info *ServerInfo) {
	if o != nil && o.OnConnected != nil {
		o.OnConnected(info)
	}
}

func (o *Observer) tools(tools []ToolDescriptor) {
	if o != nil && o.OnTools != nil {
		o.OnTools(tools)
	}
}

func (o *Observer) message(env *Envelope) {
	if o != nil && o.OnMessage != nil {
		o.OnMessage(env)
	}
}

func (o *Observer) reportError(err error) {
	if o != nil && o.OnError != nil {
		o.OnError(err)
	}
}

func (o *Observer) authorizationRequired(challenge *ChallengeError) {
	if o != nil && o.OnAuthorizationRequired != nil {
		o.OnAuthorizationRequired(challenge)
	}
}
