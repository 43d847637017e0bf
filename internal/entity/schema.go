package entity

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidRecord = errors.New("invalid record")

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://fieldsync.local/schemas/"

var compiledSchemas = struct {
	once    sync.Once
	err     error
	schemas map[Kind]*jsonschema.Schema
}{}

func loadSchemas() (map[Kind]*jsonschema.Schema, error) {
	compiledSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, kind := range Kinds() {
			raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
			if err != nil {
				compiledSchemas.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compiledSchemas.err = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+string(kind)+".json", doc); err != nil {
				compiledSchemas.err = err
				return
			}
		}
		schemas := make(map[Kind]*jsonschema.Schema, len(Kinds()))
		for _, kind := range Kinds() {
			sch, err := compiler.Compile(schemaBaseURL + string(kind) + ".json")
			if err != nil {
				compiledSchemas.err = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			schemas[kind] = sch
		}
		compiledSchemas.schemas = schemas
	})
	return compiledSchemas.schemas, compiledSchemas.err
}

// Validate checks one raw JSON record against the schema of its kind.
func Validate(kind Kind, raw []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, kind, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, kind, err)
	}
	return nil
}

// Decode validates raw against the kind's schema and unmarshals it into T.
func Decode[T Record](kind Kind, raw []byte) (T, error) {
	var out T
	if err := Validate(kind, raw); err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, kind, err)
	}
	return out, nil
}
