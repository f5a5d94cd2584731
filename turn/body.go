package turn

import "strings"

// FinalBody picks the persisted assistant body from the candidate sources,
// in priority order: the backend's own result content, the latest whole
// assistant message text, then whatever streamed text was flushed plus the
// block still in flight. Blank candidates are skipped; all blank yields "".
func FinalBody(resultContent, assistantText, flushed, streaming string) string {
	for _, candidate := range []string{resultContent, assistantText, flushed + streaming} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}
