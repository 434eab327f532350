package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError reports a configuration document that does not satisfy
// the schema.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 1 {
		return "invalid config: " + e.Messages[0]
	}
	return fmt.Sprintf("invalid config: %d errors, first: %s", len(e.Messages), e.Messages[0])
}

// validate checks a decoded YAML document against #Config. Unknown keys
// are rejected because CUE definitions are closed.
func validate(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if doc == nil {
		doc = map[string]any{}
	}
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range errors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		if len(msgs) == 0 {
			msgs = []string{err.Error()}
		}
		return &ValidationError{Messages: msgs}
	}
	return nil
}
