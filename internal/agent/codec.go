package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/mark3labs/mcp-go/mcp"
)

const jsonRPCVersion = "2.0"

// maxEventSize bounds a single line of an event-stream body
const maxEventSize = 4 * 1024 * 1024

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// errStopStream is returned by a DecodeStream callback to stop reading
// without reporting an error.
var errStopStream = errors.New("stop stream")

// Envelope is a single JSON-RPC 2.0 message: a request, a notification or
// a response.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the envelope is a request expecting a response
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.ID != nil && !e.ID.IsNil()
}

// IsNotification reports whether the envelope is a notification
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && (e.ID == nil || e.ID.IsNil())
}

// IsResponse reports whether the envelope carries a result or an error
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && (len(e.Result) > 0 || e.Error != nil)
}

// idKey returns the correlation key for the envelope id, or "" if it has none
func (e *Envelope) idKey() string {
	if e.ID == nil || e.ID.IsNil() {
		return ""
	}
	return e.ID.String()
}

// Encode serializes an envelope, always stamping the protocol version
func Encode(env *Envelope) ([]byte, error) {
	out := *env
	out.JSONRPC = jsonRPCVersion
	return json.Marshal(&out)
}

// Decode parses a raw message in either wire shape: a single JSON document,
// or an event frame whose first data: line carries the document.
func Decode(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if json.Valid(trimmed) {
		return decodeDocument(trimmed)
	}

	if payload, ok := firstDataLine(trimmed); ok {
		if json.Valid(payload) {
			return decodeDocument(payload)
		}
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "event data is not valid JSON"}
	}

	return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "body is neither JSON nor an event frame"}
}

// DecodeBody decodes a complete response body using its declared media type.
// An event-stream body yields its first event.
func DecodeBody(contentType string, raw []byte) (*Envelope, error) {
	mt := contenttype.NewMediaType(contentType)
	switch {
	case mt.Matches(eventStreamMediaType):
		var first *Envelope
		err := DecodeStream(bytes.NewReader(raw), func(env *Envelope) error {
			first = env
			return errStopStream
		})
		if err != nil {
			return nil, err
		}
		if first == nil {
			return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "event stream carried no message"}
		}
		return first, nil
	case mt.Matches(jsonMediaType):
		trimmed := bytes.TrimSpace(raw)
		if !json.Valid(trimmed) {
			return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "body is not valid JSON"}
		}
		return decodeDocument(trimmed)
	default:
		return Decode(raw)
	}
}

// DecodeStream reads a text/event-stream body and calls fn for every event
// that carries data. Multi-line data fields are joined with "\n"; comments
// and the event, id and retry fields are ignored. Returning errStopStream
// from fn ends the read cleanly.
func DecodeStream(r io.Reader, fn func(*Envelope) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data []string
	dispatch := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if strings.TrimSpace(payload) == "" {
			return nil
		}
		if !json.Valid([]byte(payload)) {
			return &ProtocolError{Kind: ProtocolMalformed, Detail: "event data is not valid JSON"}
		}
		env, err := decodeDocument([]byte(payload))
		if err != nil {
			return err
		}
		return fn(env)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, errStopStream) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{Op: "read event stream", Err: err}
	}

	if err := dispatch(); err != nil && !errors.Is(err, errStopStream) {
		return err
	}
	return nil
}

func firstDataLine(raw []byte) ([]byte, bool) {
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(rest), true
		}
	}
	return nil, false
}

func decodeDocument(doc []byte) (*Envelope, error) {
	if len(doc) == 0 || doc[0] != '{' {
		return nil, &ProtocolError{Kind: ProtocolNotEnvelope, Detail: "JSON document is not an object"}
	}

	var env Envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, &ProtocolError{Kind: ProtocolNotEnvelope, Err: err}
	}
	if env.JSONRPC != jsonRPCVersion {
		return nil, &ProtocolError{Kind: ProtocolNotEnvelope, Detail: `missing "jsonrpc": "2.0"`}
	}
	if len(env.Result) > 0 && env.Error != nil {
		return nil, &ProtocolError{Kind: ProtocolOutOfContract, Detail: "response carries both result and error"}
	}
	if env.Method == "" && len(env.Result) == 0 && env.Error == nil {
		return nil, &ProtocolError{Kind: ProtocolOutOfContract, Detail: "envelope has neither method nor result/error"}
	}
	return &env, nil
}
