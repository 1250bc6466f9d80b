package evolution

import (
	"fmt"
	"strings"

	"github.com/skillevo/skillevo/internal/record"
)

const rhaiIdiomsSummary = `Rhai is a compact, sandboxed, embedded scripting language. Relevant idioms:
- functions are declared with "fn name(params) { ... }"; last expression is the return value
- arrays use "[...]", object maps use "#{...}"
- "let" declares a variable, "const" a constant
- error handling favors returning a string/map result over throw/catch
- avoid unbounded "loop {}"/"while (true) {}" without an explicit break condition
- tool calls are invoked as ordinary function calls against the host-provided API`

func describeTrigger(t record.TriggerReason) string {
	switch t.Kind {
	case record.TriggerExecutionError:
		return fmt.Sprintf("the skill raised a runtime error (occurrence #%d): %s", t.Count, t.Error)
	case record.TriggerConsecutiveFailures:
		return fmt.Sprintf("the skill failed repeatedly (%d times within %d minutes)", t.Count, t.WindowMinutes)
	case record.TriggerPerformanceDegradation:
		return fmt.Sprintf("the skill's %s metric degraded past threshold %.4f", t.Metric, t.Threshold)
	case record.TriggerAPIChange:
		return fmt.Sprintf("the upstream API at %s changed behavior (status %s)", t.Endpoint, t.Status)
	case record.TriggerManualRequest:
		return fmt.Sprintf("an operator manually requested evolution: %s", t.Description)
	default:
		return "an unspecified evolution trigger fired"
	}
}

// buildGenerationPrompt implements spec §4.C's initial-generation prompt
// shape: identifies the scripting language, lists idioms relevant to the
// domain, states the task, includes current source and the tool list, and
// instructs the model to return a unified diff (if source exists) or a
// complete script, fenced.
func buildGenerationPrompt(ctx record.Context, hasSource bool) (system, user string) {
	system = "You are a senior Rhai script engineer fixing a failing agent skill.\n" + rhaiIdiomsSummary

	var b strings.Builder
	fmt.Fprintf(&b, "Skill: %s (current version %s)\n", ctx.SkillName, ctx.CurrentVersion)
	fmt.Fprintf(&b, "Task: %s\n\n", describeTrigger(ctx.Trigger))

	if ctx.ErrorTrace != "" {
		fmt.Fprintf(&b, "Error trace:\n%s\n\n", ctx.ErrorTrace)
	}

	if len(ctx.ToolSchemas) > 0 {
		fmt.Fprintf(&b, "Available tools:\n- %s\n\n", strings.Join(ctx.ToolSchemas, "\n- "))
	}

	if hasSource {
		fmt.Fprintf(&b, "Current source:\n```rhai\n%s\n```\n\n", ctx.SourceSnippet)
		b.WriteString("Return a unified diff against the current source, enclosed in a ```diff fenced block.\n")
	} else {
		b.WriteString("No prior source exists. Return the complete new script, enclosed in a ```rhai fenced block.\n")
	}

	return system, b.String()
}

// buildFeedbackPrompt implements spec §4.C's feedback-regeneration shape:
// the previous code, the current failure feedback, and a deduplicated
// summary of earlier attempts' feedback, ending with an instruction to fix
// all listed issues and return the complete corrected script.
func buildFeedbackPrompt(ctx record.Context, previousCode string, history []record.Feedback, current record.Feedback) (system, user string) {
	system = "You are a senior Rhai script engineer fixing a failing agent skill.\n" + rhaiIdiomsSummary

	var b strings.Builder
	fmt.Fprintf(&b, "Skill: %s\n\n", ctx.SkillName)
	fmt.Fprintf(&b, "Previous code:\n```rhai\n%s\n```\n\n", previousCode)

	seen := map[string]bool{}
	var earlier []string
	for _, f := range history {
		if f.Feedback == "" || seen[f.Feedback] {
			continue
		}
		seen[f.Feedback] = true
		earlier = append(earlier, fmt.Sprintf("attempt %d (%s): %s", f.Attempt, f.Stage, f.Feedback))
	}
	if len(earlier) > 0 {
		fmt.Fprintf(&b, "Earlier attempts' feedback:\n- %s\n\n", strings.Join(earlier, "\n- "))
	}

	fmt.Fprintf(&b, "Current failure (%s stage):\n%s\n\n", current.Stage, current.Feedback)
	b.WriteString("Fix all listed issues. Return the complete corrected script, enclosed in a ```rhai fenced block.\n")

	return system, b.String()
}

// buildAuditPrompt implements spec §4.C's audit shape.
func buildAuditPrompt(candidate string) (system, user string) {
	system = "You are a security reviewer auditing a sandboxed Rhai agent skill before deployment."

	var b strings.Builder
	b.WriteString("Review the following script for:\n")
	b.WriteString("- invalid syntax for Rhai\n")
	b.WriteString("- unbounded loops\n")
	b.WriteString("- resource abuse\n")
	b.WriteString("- data leakage through logging of secrets\n\n")
	fmt.Fprintf(&b, "Script:\n```rhai\n%s\n```\n\n", candidate)
	b.WriteString(`Respond with strict JSON only, no prose: {"passed": bool, "issues": [{"severity": "error|warning|info", "category": "syntax|permission|loop|leak", "message": "..."}]}`)

	return system, b.String()
}
