package evolution

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	diffFence     = regexp.MustCompile("(?s)```diff\\s*\\n(.*?)```")
	langFence     = regexp.MustCompile("(?s)```[a-zA-Z0-9_]+\\s*\\n(.*?)```")
	genericFence  = regexp.MustCompile("(?s)```\\s*\\n(.*?)```")
	hunkHeaderRe  = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// extractPatchBody implements spec §4.D's patch extraction algorithm: the
// engine accepts three forms from the LLM and extracts the first match from
// this preference order — a fenced diff block (preferred when a previous
// source exists), a fenced language-tagged block (preferred for new
// skills), or a plain fenced block. If none match, the full response is
// treated as the body.
func extractPatchBody(response string, hasPreviousSource bool) string {
	if hasPreviousSource {
		if m := diffFence.FindStringSubmatch(response); m != nil {
			return strings.TrimRight(m[1], "\n")
		}
	}
	if m := langFence.FindStringSubmatch(response); m != nil {
		return strings.TrimRight(m[1], "\n")
	}
	if m := genericFence.FindStringSubmatch(response); m != nil {
		return strings.TrimRight(m[1], "\n")
	}
	return strings.TrimSpace(response)
}

// applyUnifiedDiff implements spec §4.D's patch application algorithm: a
// line-oriented unified diff. Hunk headers of the form
// "@@ -start[,count] +start[,count] @@" are parsed for the source start
// line; deletions advance the source pointer; additions emit lines from the
// diff; context and empty lines emit the corresponding source line and
// advance. Lines outside any hunk are passed through. If the application
// yields an empty output while the source is non-empty, the original is
// preserved and a warning flag is returned for the caller to log.
func applyUnifiedDiff(source, diff string) (result string, preservedOriginal bool) {
	srcLines := splitLines(source)
	diffLines := splitLines(diff)

	var out []string
	srcIdx := 0 // zero-based index into srcLines

	inHunk := false
	for _, line := range diffLines {
		if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
			start, _ := strconv.Atoi(m[1])
			// Lines before the hunk's start that haven't been emitted yet
			// are passed through unchanged.
			for srcIdx < start-1 && srcIdx < len(srcLines) {
				out = append(out, srcLines[srcIdx])
				srcIdx++
			}
			inHunk = true
			continue
		}

		if !inHunk {
			// Lines outside any hunk are passed through verbatim.
			out = append(out, line)
			continue
		}

		switch {
		case strings.HasPrefix(line, "-"):
			// Deletion: advance the source pointer without emitting.
			srcIdx++
		case strings.HasPrefix(line, "+"):
			// Addition: emit the diff line's content (without marker).
			out = append(out, line[1:])
		case strings.HasPrefix(line, " "), line == "":
			// Context or empty: emit the corresponding source line if one
			// remains, and advance.
			if srcIdx < len(srcLines) {
				out = append(out, srcLines[srcIdx])
				srcIdx++
			}
		default:
			// Unrecognized marker inside a hunk: treat as context.
			if srcIdx < len(srcLines) {
				out = append(out, srcLines[srcIdx])
				srcIdx++
			}
		}
	}

	// Any trailing source lines beyond the last hunk are passed through.
	for srcIdx < len(srcLines) {
		out = append(out, srcLines[srcIdx])
		srcIdx++
	}

	result = strings.Join(out, "\n")
	if strings.TrimSpace(result) == "" && strings.TrimSpace(source) != "" {
		return source, true
	}
	return result, false
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
