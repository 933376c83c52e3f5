package protocol

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// fieldKinds constrains the value type of well-known fields at the trust
// boundary. Fields not listed accept any JSON value.
var fieldKinds = map[string]string{
	"id":               "string | number",
	"repo":             "string",
	"ref":              "string",
	"original_ref":     "string",
	"morphology":       "string",
	"partial":          "bool",
	"allow_detach":     "bool",
	"protocol_version": "number",
	"component_names":  "[...string]",
	"message":          "string",
	"step_name":        "string",
	"worker_name":      "string",
	"stdout":           "string",
	"stderr":           "string",
	"urls":             "[...string]",
	"reason":           "string",
	"user":             "string",
	"argv":             "[...string]",
	"stdin_contents":   "string",
	"exit":             "number",
	"url":              "string",
	"method":           "string",
	"headers":          "{[string]: string}",
	"status":           "number",
	"unbuilt":          "number",
	"total":            "number",
}

// SchemaSource renders the message catalogue as CUE. Each message type is a
// closed struct, so undeclared fields are rejected, and required fields use
// CUE's required-field marker.
func SchemaSource() string {
	var b strings.Builder
	b.WriteString("messages: {\n")
	for _, t := range Types() {
		spec := catalogue[t]
		fmt.Fprintf(&b, "\t%q: close({\n", string(t))
		fmt.Fprintf(&b, "\t\t%q: %q\n", FieldType, string(t))
		fmt.Fprintf(&b, "\t\t%q!: %s\n", FieldID, kindOf(FieldID))
		for _, f := range spec.Required {
			fmt.Fprintf(&b, "\t\t%q!: %s\n", f, kindOf(f))
		}
		for _, f := range spec.Optional {
			fmt.Fprintf(&b, "\t\t%q?: %s\n", f, kindOf(f))
		}
		b.WriteString("\t})\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func kindOf(field string) string {
	if k, ok := fieldKinds[field]; ok {
		return k
	}
	return "_"
}

// Schema validates received messages against the CUE rendering of the
// catalogue. It is safe for concurrent use; a cue.Context is not, so calls
// are serialized.
type Schema struct {
	mu       sync.Mutex
	ctx      *cue.Context
	messages cue.Value
}

// NewSchema compiles the catalogue schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(SchemaSource(), cue.Filename("protocol.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile protocol schema: %s", cueerrors.Details(err, nil))
	}
	return &Schema{
		ctx:      ctx,
		messages: v.LookupPath(cue.ParsePath("messages")),
	}, nil
}

// MustSchema is NewSchema for package initialisation; the schema is generated
// from constants, so failure is a programming error.
func MustSchema() *Schema {
	s, err := NewSchema()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate applies the structural check of Validate, then checks field value
// types against the CUE schema.
func (s *Schema) Validate(msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := msg.Type()
	def := s.messages.LookupPath(cue.MakePath(cue.Str(string(t))))
	if !def.Exists() {
		return &ValidationError{Code: ErrCodeUnknownType, Type: t, Message: "type missing from schema"}
	}

	data := s.ctx.Encode(map[string]any(msg))
	if err := data.Err(); err != nil {
		return &ValidationError{Code: ErrCodeMalformed, Type: t, Message: cueerrors.Details(err, nil)}
	}

	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{
			Code:    ErrCodeMalformed,
			Type:    t,
			Message: strings.TrimSpace(cueerrors.Details(err, nil)),
		}
	}
	return nil
}
