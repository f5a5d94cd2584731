// Package interact tracks interactive questions raised by the agent mid-turn
// and routes user answers back to the backend tool call that asked them.
package interact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Mode selects the answer shape a pending question expects.
type Mode string

const (
	// ModeLegacy expects a single free-form string answer.
	ModeLegacy Mode = "legacy"
	// ModeBatch expects a per-question answer map plus an explicit skip list.
	ModeBatch Mode = "batch"
)

// Option is one selectable choice of a question.
type Option struct {
	Label       string `json:"label" jsonschema:"required,description=Short label shown to the user"`
	Description string `json:"description,omitempty" jsonschema:"description=Optional longer explanation"`
}

// Question is the canonical form of one question after normalization.
type Question struct {
	ID          string   `json:"id" jsonschema:"required,description=Stable identifier for routing the answer"`
	Header      string   `json:"header,omitempty" jsonschema:"description=Optional short heading"`
	Question    string   `json:"question" jsonschema:"required,description=The question text"`
	Options     []Option `json:"options,omitempty" jsonschema:"description=Selectable choices; free-form answer when empty"`
	MultiSelect bool     `json:"multiSelect,omitempty" jsonschema:"description=Whether several options may be chosen"`
}

// Snapshot is the normalized input of one interactive tool call.
type Snapshot struct {
	Questions []Question `json:"questions" jsonschema:"required,description=Questions to put to the user"`
}

// ToolSchema returns the JSON schema of the interactive question tool input,
// derived from the canonical Snapshot shape. Published alongside
// tools_available so UI clients know what a question payload looks like.
func ToolSchema() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(Snapshot{})
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to generate question tool schema: %v", err))
	}
	return json.RawMessage(b)
}

// NormalizeInput converts raw tool input into a Snapshot. The backend is not
// consistent about field names across versions, so several spellings are
// accepted for each field. Duplicate question text or duplicate option labels
// within one batch are content errors.
func NormalizeInput(input map[string]interface{}) (Snapshot, error) {
	var rawQuestions []interface{}
	if qs, ok := input["questions"].([]interface{}); ok {
		rawQuestions = qs
	} else {
		// Single-question shape: the question fields sit at the top level.
		rawQuestions = []interface{}{input}
	}

	if len(rawQuestions) == 0 {
		return Snapshot{}, &Error{Code: CodeInvalidQuestion, Message: "no questions in tool input"}
	}

	snap := Snapshot{Questions: make([]Question, 0, len(rawQuestions))}
	seenText := make(map[string]bool)

	for i, rq := range rawQuestions {
		m, ok := rq.(map[string]interface{})
		if !ok {
			return Snapshot{}, &Error{Code: CodeInvalidQuestion, Message: fmt.Sprintf("question %d is not an object", i)}
		}

		q := Question{
			ID:          firstString(m, "id", "questionId", "question_id"),
			Header:      firstString(m, "header", "title"),
			Question:    firstString(m, "question", "prompt", "text"),
			MultiSelect: firstBool(m, "multiSelect", "multi_select", "allowMultiple"),
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		if strings.TrimSpace(q.Question) == "" {
			return Snapshot{}, &Error{Code: CodeInvalidQuestion, Message: fmt.Sprintf("question %d has no text", i)}
		}

		key := strings.TrimSpace(q.Question)
		if seenText[key] {
			return Snapshot{}, &Error{Code: CodeDuplicateQuestion, Message: fmt.Sprintf("duplicate question text %q", key)}
		}
		seenText[key] = true

		opts, err := normalizeOptions(m["options"], i)
		if err != nil {
			return Snapshot{}, err
		}
		q.Options = opts

		snap.Questions = append(snap.Questions, q)
	}

	return snap, nil
}

func normalizeOptions(raw interface{}, questionIdx int) ([]Option, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidQuestion, Message: fmt.Sprintf("question %d options is not a list", questionIdx)}
	}

	opts := make([]Option, 0, len(list))
	seen := make(map[string]bool)
	for _, ro := range list {
		var opt Option
		switch v := ro.(type) {
		case string:
			opt = Option{Label: v}
		case map[string]interface{}:
			opt = Option{
				Label:       firstString(v, "label", "name", "value"),
				Description: firstString(v, "description", "detail"),
			}
		default:
			return nil, &Error{Code: CodeInvalidQuestion, Message: fmt.Sprintf("question %d has an invalid option", questionIdx)}
		}
		if strings.TrimSpace(opt.Label) == "" {
			return nil, &Error{Code: CodeInvalidQuestion, Message: fmt.Sprintf("question %d has an option without a label", questionIdx)}
		}
		key := strings.TrimSpace(opt.Label)
		if seen[key] {
			return nil, &Error{Code: CodeDuplicateOption, Message: fmt.Sprintf("question %d has duplicate option %q", questionIdx, key)}
		}
		seen[key] = true
		opts = append(opts, opt)
	}
	return opts, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstBool(m map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}
