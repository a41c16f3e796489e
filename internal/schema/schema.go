// Package schema validates event payloads against embedded JSON Schemas.
//
// Payloads are checked before a local append and again by remote authorities
// before accepting an event, so both sides agree on what a well-formed event
// of each type looks like.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/floorlog/internal/model"
)

//go:embed schemas/*.json
var files embed.FS

const baseURL = "https://floorlog.local/schemas/"

// Validator holds compiled payload schemas. Safe for concurrent use.
type Validator struct {
	byType map[model.EventType]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	names := []string{"transition.json", "qc_passed.json", "qc_failed.json"}
	for _, name := range names {
		data, err := files.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(baseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	compiled := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := compiler.Compile(baseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = s
	}

	v := &Validator{byType: make(map[model.EventType]*jsonschema.Schema)}
	for _, t := range model.EventTypes() {
		switch t {
		case model.EventQcPassed:
			v.byType[t] = compiled["qc_passed.json"]
		case model.EventQcFailed:
			v.byType[t] = compiled["qc_failed.json"]
		default:
			v.byType[t] = compiled["transition.json"]
		}
	}
	return v, nil
}

// MustNew is New for package initialization and tests.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks the payload of an event of type t. Failures are
// InvalidArgument errors naming the first violated constraint.
func (v *Validator) Validate(t model.EventType, p model.Payload) error {
	s, ok := v.byType[t]
	if !ok {
		return model.NewInvalidArgument("no payload schema for event type %q", t)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return model.NewInvalidArgument("%s payload: %s", t, describe(err))
	}
	return nil
}

func describe(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
