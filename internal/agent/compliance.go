package agent

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ComplianceIssue is one schema-level defect found in a server message
type ComplianceIssue struct {
	Path    string
	Message string
}

func (i ComplianceIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// CheckCapabilities inspects the raw capabilities object of an initialize
// result. The session completes the handshake regardless; these findings
// are reported only.
func CheckCapabilities(raw json.RawMessage) []ComplianceIssue {
	if len(raw) == 0 {
		return []ComplianceIssue{{Path: "capabilities", Message: "missing"}}
	}
	caps := gjson.ParseBytes(raw)
	if !caps.IsObject() {
		return []ComplianceIssue{{Path: "capabilities", Message: "must be an object, got " + describeJSONType(caps)}}
	}

	var issues []ComplianceIssue
	for _, name := range []string{"tools", "resources", "prompts", "logging", "completions", "experimental"} {
		value := caps.Get(name)
		if value.Exists() && !value.IsObject() {
			issues = append(issues, ComplianceIssue{
				Path:    "capabilities." + name,
				Message: "must be an object, got " + describeJSONType(value),
			})
		}
	}

	for _, flag := range []string{"tools.listChanged", "resources.listChanged", "resources.subscribe", "prompts.listChanged"} {
		value := caps.Get(flag)
		if value.Exists() && !value.IsBool() {
			issues = append(issues, ComplianceIssue{
				Path:    "capabilities." + flag,
				Message: "must be a boolean, got " + describeJSONType(value),
			})
		}
	}
	return issues
}

// CheckToolSchemas inspects tool names and input schemas of a catalog
func CheckToolSchemas(tools []ToolDescriptor) []ComplianceIssue {
	var issues []ComplianceIssue
	seen := make(map[string]bool, len(tools))

	for i, tool := range tools {
		path := fmt.Sprintf("tools[%d]", i)
		if tool.Name == "" {
			issues = append(issues, ComplianceIssue{Path: path + ".name", Message: "missing"})
		} else {
			path = fmt.Sprintf("tools[%s]", tool.Name)
			if seen[tool.Name] {
				issues = append(issues, ComplianceIssue{Path: path, Message: "duplicate tool name"})
			}
			seen[tool.Name] = true
		}

		issues = append(issues, checkInputSchema(path+".inputSchema", tool.InputSchema)...)
	}
	return issues
}

func checkInputSchema(path string, raw json.RawMessage) []ComplianceIssue {
	if len(raw) == 0 {
		return []ComplianceIssue{{Path: path, Message: "missing"}}
	}
	schema := gjson.ParseBytes(raw)
	if !schema.IsObject() {
		return []ComplianceIssue{{Path: path, Message: "must be an object, got " + describeJSONType(schema)}}
	}

	var issues []ComplianceIssue
	switch t := schema.Get("type"); {
	case !t.Exists():
		issues = append(issues, ComplianceIssue{Path: path + ".type", Message: "missing"})
	case t.String() != "object":
		issues = append(issues, ComplianceIssue{Path: path + ".type", Message: fmt.Sprintf("must be \"object\", got %s", t.Raw)})
	}

	properties := schema.Get("properties")
	if properties.Exists() && !properties.IsObject() {
		issues = append(issues, ComplianceIssue{Path: path + ".properties", Message: "must be an object, got " + describeJSONType(properties)})
	}

	required := schema.Get("required")
	if required.Exists() {
		if !required.IsArray() {
			issues = append(issues, ComplianceIssue{Path: path + ".required", Message: "must be an array, got " + describeJSONType(required)})
		} else {
			for _, name := range required.Array() {
				if name.Type != gjson.String {
					issues = append(issues, ComplianceIssue{Path: path + ".required", Message: "entries must be strings"})
					continue
				}
				if properties.IsObject() && !properties.Get(gjson.Escape(name.String())).Exists() {
					issues = append(issues, ComplianceIssue{Path: path + ".required", Message: fmt.Sprintf("%q is not a declared property", name.String())})
				}
			}
		}
	}
	return issues
}

func describeJSONType(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	case v.IsBool():
		return "boolean"
	}
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	default:
		return "invalid JSON"
	}
}

// reportCompliance logs findings as warnings
func reportCompliance(logger *Logger, issues []ComplianceIssue) {
	if len(issues) == 0 {
		return
	}
	logger.Warning("Server response has %d compliance issue(s):", len(issues))
	for _, issue := range issues {
		logger.Warning("  %s", issue)
	}
}
