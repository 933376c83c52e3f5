package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Type is a message type discriminator.
type Type string

// Message types.
const (
	TypeBuildRequest       Type = "build-request"
	TypeBuildProgress      Type = "build-progress"
	TypeBuildStarted       Type = "build-started"
	TypeStepStarted        Type = "step-started"
	TypeStepAlreadyStarted Type = "step-already-started"
	TypeStepOutput         Type = "step-output"
	TypeStepFinished       Type = "step-finished"
	TypeStepFailed         Type = "step-failed"
	TypeBuildFinished      Type = "build-finished"
	TypeBuildFailed        Type = "build-failed"
	TypeBuildCancelled     Type = "build-cancelled"
	TypeExecRequest        Type = "exec-request"
	TypeExecCancel         Type = "exec-cancel"
	TypeExecOutput         Type = "exec-output"
	TypeExecResponse       Type = "exec-response"
	TypeHTTPRequest        Type = "http-request"
	TypeHTTPResponse       Type = "http-response"
	TypeListRequests       Type = "list-requests"
	TypeRequestOutput      Type = "request-output"
	TypeBuildCancel        Type = "build-cancel"
	TypeBuildStatus        Type = "build-status"
	TypeGraphingStarted    Type = "graphing-started"
	TypeGraphingFinished   Type = "graphing-finished"
	TypeCacheState         Type = "cache-state"
)

// Field names shared by every message.
const (
	FieldType = "type"
	FieldID   = "id"
)

// Spec declares the fields of one message type. "id" is implicitly required.
type Spec struct {
	Required []string
	Optional []string
}

// catalogue is the single source of truth for message shapes. The CUE schema
// in schema.go is generated from it.
var catalogue = map[Type]Spec{
	TypeBuildRequest: {
		Required: []string{"repo", "ref", "morphology", "partial", "protocol_version", "allow_detach"},
		Optional: []string{"original_ref", "component_names"},
	},
	TypeBuildProgress:      {Required: []string{"message"}},
	TypeBuildStarted:       {},
	TypeStepStarted:        {Required: []string{"step_name", "worker_name"}},
	TypeStepAlreadyStarted: {Required: []string{"step_name", "worker_name"}},
	TypeStepOutput:         {Required: []string{"step_name", "stdout", "stderr"}},
	TypeStepFinished:       {Required: []string{"step_name"}},
	TypeStepFailed:         {Required: []string{"step_name"}},
	TypeBuildFinished:      {Required: []string{"urls"}},
	TypeBuildFailed:        {Required: []string{"reason"}},
	TypeBuildCancelled:     {Required: []string{"user"}},
	TypeExecRequest:        {Required: []string{"argv", "stdin_contents"}},
	TypeExecCancel:         {},
	TypeExecOutput:         {Required: []string{"stdout", "stderr"}},
	TypeExecResponse:       {Required: []string{"exit", "stdout", "stderr"}},
	TypeHTTPRequest:        {Required: []string{"url", "method", "headers", "body"}},
	TypeHTTPResponse:       {Required: []string{"status", "body"}},
	TypeListRequests:       {Required: []string{"protocol_version", "user"}},
	TypeRequestOutput:      {Required: []string{"message"}},
	TypeBuildCancel:        {Required: []string{"protocol_version", "user"}},
	TypeBuildStatus:        {Required: []string{"protocol_version", "user"}},
	TypeGraphingStarted:    {},
	TypeGraphingFinished:   {},
	TypeCacheState:         {Required: []string{"unbuilt", "total"}},
}

// Types returns every catalogued message type, sorted.
func Types() []Type {
	types := make([]Type, 0, len(catalogue))
	for t := range catalogue {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Lookup returns the field spec for a message type.
func Lookup(t Type) (Spec, bool) {
	spec, ok := catalogue[t]
	return spec, ok
}

// Fields holds message fields by name.
type Fields map[string]any

// Message is a validated wire message.
type Message map[string]any

// New builds a message of type t from fields, which must include "id".
// Returns a ValidationError if a required field is missing or an
// undeclared field is present.
func New(t Type, fields Fields) (Message, error) {
	msg := make(Message, len(fields)+1)
	for k, v := range fields {
		if k == FieldType {
			return nil, &ValidationError{
				Code:    ErrCodeUnexpectedField,
				Type:    t,
				Field:   FieldType,
				Message: "type is stamped by New",
			}
		}
		msg[k] = v
	}
	msg[FieldType] = string(t)

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// MustNew is New for messages built from constants; it panics on error.
func MustNew(t Type, fields Fields) Message {
	msg, err := New(t, fields)
	if err != nil {
		panic(err)
	}
	return msg
}

// Validate checks that msg has a catalogued type, every required field and
// no undeclared field.
func Validate(msg Message) error {
	raw, ok := msg[FieldType]
	if !ok {
		return &ValidationError{Code: ErrCodeMissingField, Field: FieldType, Message: "message has no type"}
	}
	name, ok := raw.(string)
	if !ok {
		return &ValidationError{Code: ErrCodeMalformed, Field: FieldType, Message: fmt.Sprintf("type is %T, not a string", raw)}
	}
	t := Type(name)
	spec, ok := catalogue[t]
	if !ok {
		return &ValidationError{Code: ErrCodeUnknownType, Type: t, Message: "unknown message type"}
	}

	allowed := map[string]bool{FieldType: true, FieldID: true}
	if _, ok := msg[FieldID]; !ok {
		return &ValidationError{Code: ErrCodeMissingField, Type: t, Field: FieldID, Message: "required field missing"}
	}
	for _, f := range spec.Required {
		if _, ok := msg[f]; !ok {
			return &ValidationError{Code: ErrCodeMissingField, Type: t, Field: f, Message: "required field missing"}
		}
		allowed[f] = true
	}
	for _, f := range spec.Optional {
		allowed[f] = true
	}

	var extra []string
	for k := range msg {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return &ValidationError{Code: ErrCodeUnexpectedField, Type: t, Field: extra[0], Message: "field not declared for type"}
	}
	return nil
}

// IsValid reports whether msg passes Validate.
func IsValid(msg Message) bool {
	return Validate(msg) == nil
}

// Type returns the message type, or "" if absent.
func (m Message) Type() Type {
	s, _ := m[FieldType].(string)
	return Type(s)
}

// ID returns the correlation id. Numeric ids are formatted as decimal.
func (m Message) ID() string {
	return m.String(FieldID)
}

// String returns a string field, formatting numbers and returning "" for
// anything else.
func (m Message) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", int64(v))
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Int returns an integer field. JSON numbers decode as float64, so both are
// accepted; a float with a fractional part is not an integer.
func (m Message) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean field, false if absent or not a boolean.
func (m Message) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Strings returns a list-of-strings field. Decoded JSON arrays arrive as
// []any; non-string elements are skipped.
func (m Message) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringMap returns an object-of-strings field such as http headers.
func (m Message) StringMap(key string) map[string]string {
	switch v := m[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return map[string]string{}
	}
}
