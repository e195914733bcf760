package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// decodeObject parses the model's reply text as a JSON object. Text that is
// not valid JSON gets one repair pass (trailing commas, single quotes, code
// fences) before it is rejected.
func decodeObject(text string) (map[string]any, bool, *Error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false, &Error{Kind: ErrSchemaViolation, Err: fmt.Errorf("reply has no response text")}
	}

	var value any
	repaired := false
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, false, &Error{Kind: ErrMalformedJSON, Err: err}
		}
		if err := json.Unmarshal([]byte(fixed), &value); err != nil {
			return nil, false, &Error{Kind: ErrMalformedJSON, Err: err}
		}
		repaired = true
	}

	obj, ok := value.(map[string]any)
	if !ok {
		// Repair turns free text into a JSON string; that was never JSON to begin with.
		kind := ErrSchemaViolation
		if repaired {
			kind = ErrMalformedJSON
		}
		return nil, repaired, &Error{Kind: kind, Err: fmt.Errorf("reply is %T, not an object", value)}
	}
	return obj, repaired, nil
}
