package evolution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skillevo/skillevo/internal/record"
)

var (
	jsonFence        = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")
	jsonGenericFence = regexp.MustCompile("(?s)```\\s*\\n(.*?)```")
)

// auditSchemaSrc is the strict JSON response schema spec §4.C requires of
// the audit prompt: {"passed": bool, "issues": [{"severity","category","message"}]}.
const auditSchemaSrc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"passed": {"type": "boolean"},
		"issues": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"severity": {"type": "string"},
					"category": {"type": "string"},
					"message": {"type": "string"}
				}
			}
		}
	}
}`

var auditSchema = mustCompileAuditSchema()

func mustCompileAuditSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("audit.json", bytes.NewReader([]byte(auditSchemaSrc))); err != nil {
		panic(fmt.Sprintf("evolution: invalid embedded audit schema: %v", err))
	}
	s, err := c.Compile("audit.json")
	if err != nil {
		panic(fmt.Sprintf("evolution: failed to compile embedded audit schema: %v", err))
	}
	return s
}

// auditResponse mirrors the required LLM audit JSON shape.
type auditResponse struct {
	Passed bool               `json:"passed"`
	Issues []record.AuditIssue `json:"issues"`
}

// parseAuditResponse implements spec §4.D's audit parsing algorithm: locate
// JSON inside the response (fenced or not), parse it, validate it against
// the audit schema, and coerce missing/invalid fields to safe defaults
// (passed=false, issues=[]). A schema violation is treated the same as a
// parse failure. Audit failure with zero issues is still a failure.
func parseAuditResponse(response string) record.Audit {
	body := extractJSONBody(response)

	var raw any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return record.Audit{Passed: false, Issues: nil}
	}

	if err := auditSchema.Validate(raw); err != nil {
		return record.Audit{Passed: false, Issues: nil}
	}

	var parsed auditResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return record.Audit{Passed: false, Issues: nil}
	}

	return record.Audit{Passed: parsed.Passed, Issues: parsed.Issues}
}

func extractJSONBody(response string) string {
	if m := jsonFence.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := jsonGenericFence.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(response)
}
