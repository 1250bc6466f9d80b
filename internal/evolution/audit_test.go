package evolution

import "testing"

func TestParseAuditResponse_PassedWithFencedJSON(t *testing.T) {
	response := "Looks fine.\n```json\n{\"passed\": true, \"issues\": []}\n```\n"
	audit := parseAuditResponse(response)
	if !audit.Passed {
		t.Fatal("expected passed=true")
	}
	if len(audit.Issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(audit.Issues))
	}
}

func TestParseAuditResponse_FailedWithIssues(t *testing.T) {
	response := "```json\n{\"passed\": false, \"issues\": [{\"severity\": \"high\", \"category\": \"security\", \"message\": \"unsafe exec\"}]}\n```"
	audit := parseAuditResponse(response)
	if audit.Passed {
		t.Fatal("expected passed=false")
	}
	if len(audit.Issues) != 1 || audit.Issues[0].Message != "unsafe exec" {
		t.Fatalf("unexpected issues: %+v", audit.Issues)
	}
}

func TestParseAuditResponse_InvalidJSONCoercesToSafeFailure(t *testing.T) {
	response := "not json at all"
	audit := parseAuditResponse(response)
	if audit.Passed {
		t.Fatal("expected passed=false on unparsable response")
	}
	if audit.Issues != nil {
		t.Fatalf("expected nil issues on coercion, got %+v", audit.Issues)
	}
}

func TestParseAuditResponse_SchemaViolationCoercesToSafeFailure(t *testing.T) {
	response := `{"passed": "not-a-bool"}`
	audit := parseAuditResponse(response)
	if audit.Passed {
		t.Fatal("expected passed=false on schema violation")
	}
}

func TestParseAuditResponse_RawUnfencedJSON(t *testing.T) {
	response := `{"passed": true, "issues": []}`
	audit := parseAuditResponse(response)
	if !audit.Passed {
		t.Fatal("expected passed=true for raw unfenced JSON")
	}
}
