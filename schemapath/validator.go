package schemapath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is wrapped by every validation failure so callers can
// classify without string matching.
var ErrInvalid = errors.New("schema validation failed")

type schemaValidator struct {
	schema *gojsonschema.Schema
}

// Compile builds a Validator from raw schema bytes.
func Compile(raw json.RawMessage) (Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &schemaValidator{schema: s}, nil
}

func compileDoc(doc map[string]any) (Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, err
	}
	return &schemaValidator{schema: s}, nil
}

// Validate runs the compiled schema against v. Go values marshal through
// encoding/json first, so time.Time leaves validate as their RFC 3339
// wire form.
func (sv *schemaValidator) Validate(v any) error {
	result, err := sv.schema.Validate(gojsonschema.NewGoLoader(v))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
