package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Command is a decoded, validated inbound message
type Command struct {
	Type string
	// CmdID is set for APPROVE_CMD
	CmdID string
	// Prompt is set for AI_PROMPT
	Prompt string
}

type rawFrame struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
	CmdID   json.RawMessage `json:"cmd_id"`
}

// Decode parses and validates one inbound frame. Any error it returns is a
// *SchemaError.
func Decode(frame []byte) (Command, error) {
	var raw rawFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Command{}, newSchemaError("", "frame is not a JSON object", FieldError{Field: "frame", Problem: err.Error()})
	}
	if raw.Type == nil || *raw.Type == "" {
		return Command{}, newSchemaError("", "missing message type", FieldError{Field: "type", Problem: "required"})
	}

	cmd := Command{Type: *raw.Type}
	switch cmd.Type {
	case TypeHaltSignal, TypeResumeSignal, TypeGetState:
		if present(raw.Payload) && !isObject(raw.Payload) {
			return Command{}, newSchemaError(cmd.Type, "payload must be an object", FieldError{Field: "payload", Problem: "must be an object"})
		}

	case TypeApproveCmd:
		id, err := decodeCmdID(raw)
		if err != nil {
			return Command{}, err
		}
		cmd.CmdID = id

	case TypeAIPrompt:
		prompt, err := decodePrompt(raw.Payload)
		if err != nil {
			return Command{}, err
		}
		cmd.Prompt = prompt

	default:
		return Command{}, newSchemaError(cmd.Type, "unknown message type", FieldError{Field: "type", Problem: "unsupported value"})
	}
	return cmd, nil
}

// decodeCmdID reads payload.cmd_id, falling back to a top-level cmd_id
func decodeCmdID(raw rawFrame) (string, error) {
	source := raw.CmdID
	field := "cmd_id"
	if present(raw.Payload) {
		if !isObject(raw.Payload) {
			return "", newSchemaError(TypeApproveCmd, "payload must be an object", FieldError{Field: "payload", Problem: "must be an object"})
		}
		var p struct {
			CmdID json.RawMessage `json:"cmd_id"`
		}
		_ = json.Unmarshal(raw.Payload, &p)
		if present(p.CmdID) {
			source = p.CmdID
			field = "payload.cmd_id"
		}
	}
	if !present(source) {
		return "", newSchemaError(TypeApproveCmd, "missing command identifier", FieldError{Field: "payload.cmd_id", Problem: "required"})
	}

	var s string
	if err := json.Unmarshal(source, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", newSchemaError(TypeApproveCmd, "empty command identifier", FieldError{Field: field, Problem: "must not be empty"})
		}
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	return "", newSchemaError(TypeApproveCmd, "invalid command identifier", FieldError{Field: field, Problem: "must be a string or number"})
}

// decodePrompt accepts {"text": "..."}, {"prompt": "..."} or a bare string
func decodePrompt(payload json.RawMessage) (string, error) {
	if !present(payload) {
		return "", newSchemaError(TypeAIPrompt, "missing payload", FieldError{Field: "payload", Problem: "required"})
	}

	var text string
	if isObject(payload) {
		var p struct {
			Text   *string `json:"text"`
			Prompt *string `json:"prompt"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", newSchemaError(TypeAIPrompt, "invalid payload", FieldError{Field: "payload.text", Problem: "must be a string"})
		}
		switch {
		case p.Text != nil:
			text = *p.Text
		case p.Prompt != nil:
			text = *p.Prompt
		default:
			return "", newSchemaError(TypeAIPrompt, "missing prompt text", FieldError{Field: "payload.text", Problem: "required"})
		}
	} else if err := json.Unmarshal(payload, &text); err != nil {
		return "", newSchemaError(TypeAIPrompt, "invalid payload", FieldError{Field: "payload", Problem: "must be an object or a string"})
	}

	if strings.TrimSpace(text) == "" {
		return "", newSchemaError(TypeAIPrompt, "empty prompt", FieldError{Field: "payload.text", Problem: "must not be empty"})
	}
	return text, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
