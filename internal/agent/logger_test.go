package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name       string
		verbose    bool
		log        func(l *Logger)
		wantSubstr string
	}{
		{name: "info", log: func(l *Logger) { l.Info("connected to %s", "srv") }, wantSubstr: "connected to srv"},
		{name: "success", log: func(l *Logger) { l.Success("done") }, wantSubstr: "done"},
		{name: "warning has prefix", log: func(l *Logger) { l.Warning("careful") }, wantSubstr: "WARN: careful"},
		{name: "error has prefix", log: func(l *Logger) { l.Error("broken") }, wantSubstr: "ERROR: broken"},
		{name: "debug quiet", log: func(l *Logger) { l.Debug("state %d", 1) }},
		{name: "debug verbose", verbose: true, log: func(l *Logger) { l.Debug("state %d", 1) }, wantSubstr: "DEBUG: state 1"},
		{name: "info verbose quiet", log: func(l *Logger) { l.InfoVerbose("keepalive") }},
		{name: "info verbose", verbose: true, log: func(l *Logger) { l.InfoVerbose("keepalive") }, wantSubstr: "keepalive"},
		{name: "warning verbose quiet", log: func(l *Logger) { l.WarningVerbose("stream closed") }},
		{name: "warning verbose", verbose: true, log: func(l *Logger) { l.WarningVerbose("stream closed") }, wantSubstr: "WARN: stream closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.log(NewLoggerWithWriter(tt.verbose, false, false, buf))

			if tt.wantSubstr == "" {
				if buf.Len() != 0 {
					t.Errorf("expected no output, got %q", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), tt.wantSubstr) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.wantSubstr)
			}
		})
	}
}

func TestLoggerNilSafe(t *testing.T) {
	var logger *Logger
	logger.InfoVerbose("ignored")
	logger.WarningVerbose("ignored")
	logger.Request("ping", nil)
	if logger.IsVerbose() {
		t.Error("nil logger reports verbose")
	}
}

func TestLoggerColor(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLoggerWithWriter(false, true, false, buf).Error("boom")
	if !strings.Contains(buf.String(), colorRed) || !strings.Contains(buf.String(), colorReset) {
		t.Errorf("colored output missing escape codes: %q", buf.String())
	}

	buf.Reset()
	NewLoggerWithWriter(false, false, false, buf).Error("boom")
	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("plain output contains escape codes: %q", buf.String())
	}
}

func TestLoggerTraffic(t *testing.T) {
	params := map[string]string{"name": "echo"}

	tests := []struct {
		name    string
		verbose bool
		jsonRPC bool
		want    []string
		notWant []string
	}{
		{name: "method only", want: []string{"→ REQUEST tools/call"}, notWant: []string{"echo"}},
		{name: "verbose adds compact payload", verbose: true, want: []string{`{"name":"echo"}`}},
		{name: "json-rpc mode pretty prints", jsonRPC: true, want: []string{"\n{\n  \"name\": \"echo\"\n}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			NewLoggerWithWriter(tt.verbose, false, tt.jsonRPC, buf).Request("tools/call", params)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output = %q, want it to contain %q", buf.String(), want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(buf.String(), notWant) {
					t.Errorf("output = %q, should not contain %q", buf.String(), notWant)
				}
			}
		})
	}

	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, false, buf)
	logger.Response("initialize", nil)
	logger.Notification("notifications/initialized", nil)
	if !strings.Contains(buf.String(), "← RESPONSE initialize") || !strings.Contains(buf.String(), "⚡ NOTIFICATION notifications/initialized") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLoggerSetters(t *testing.T) {
	first := &bytes.Buffer{}
	second := &bytes.Buffer{}

	logger := NewLoggerWithWriter(false, false, false, first)
	logger.SetWriter(second)
	logger.SetVerbose(true)
	logger.Debug("moved")

	if first.Len() != 0 {
		t.Errorf("old writer received %q", first.String())
	}
	if !strings.Contains(second.String(), "moved") {
		t.Errorf("new writer = %q", second.String())
	}
	if !logger.IsVerbose() {
		t.Error("IsVerbose() = false after SetVerbose(true)")
	}
}

func TestPrettyJSON(t *testing.T) {
	if got := PrettyJSON(json.RawMessage(`{"a":1}`)); got != "{\n  \"a\": 1\n}" {
		t.Errorf("PrettyJSON(raw) = %q", got)
	}
	if got := PrettyJSON(json.RawMessage(`not json`)); got == "" {
		t.Error("PrettyJSON of invalid raw JSON returned nothing")
	}
	if got := PrettyJSON(func() {}); !strings.HasPrefix(got, "0x") {
		t.Errorf("PrettyJSON(func) = %q, want the %%+v fallback", got)
	}
}

func TestCompactJSONTruncates(t *testing.T) {
	got := compactJSON(strings.Repeat("x", 500))
	if len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("compactJSON() length = %d, suffix %q", len(got), got[len(got)-3:])
	}
}
