package engine

import (
	"encoding/json"
	"fmt"
)

// reply mirrors the JSON documents emitted by vosk recognizers: "text" for
// a completed utterance, "partial" while audio is still accumulating.
type reply struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
}

func decodeReply(data []byte) (bool, Result, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return false, Result{}, fmt.Errorf("decode recognizer reply: %w", err)
	}
	switch {
	case r.Text != nil:
		return true, Result{Text: *r.Text, Final: true}, nil
	case r.Partial != nil:
		return false, Result{Text: *r.Partial}, nil
	default:
		return false, Result{}, fmt.Errorf("recognizer reply has neither text nor partial: %s", data)
	}
}
