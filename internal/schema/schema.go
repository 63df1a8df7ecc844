// Package schema validates documents against per-collection JSON schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

const schemaBaseURL = "https://murmur.local/schemas/"

// ErrUnknownCollection is returned by Strict registries for collections without a schema.
var ErrUnknownCollection = errors.New("schema: unknown collection")

// Registry holds compiled schemas keyed by collection name.
type Registry struct {
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// Option customizes a Registry.
type Option func(*Registry)

// Strict makes documents of collections without a schema fail validation.
func Strict() Option {
	return func(r *Registry) {
		r.strict = true
	}
}

// NewRegistry compiles the embedded collection schemas.
func NewRegistry(options ...Option) (*Registry, error) {
	return newRegistry(embeddedSchemas, "schemas", options...)
}

func newRegistry(source fs.FS, dir string, options ...Option) (*Registry, error) {
	entries, err := fs.ReadDir(source, dir)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", dir, err)
	}

	compiler := jsonschema.NewCompiler()
	collections := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		payload, err := fs.ReadFile(source, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("schema: parse %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), document); err != nil {
			return nil, fmt.Errorf("schema: add %s: %w", entry.Name(), err)
		}
		collections = append(collections, strings.TrimSuffix(entry.Name(), ".json"))
	}

	registry := &Registry{schemas: make(map[string]*jsonschema.Schema, len(collections))}
	for _, option := range options {
		option(registry)
	}
	for _, collection := range collections {
		compiled, err := compiler.Compile(schemaBaseURL + collection + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", collection, err)
		}
		registry.schemas[collection] = compiled
	}
	return registry, nil
}

// Collections lists the collections with a compiled schema.
func (r *Registry) Collections() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateDocument implements docstore.Validator.
func (r *Registry) ValidateDocument(collection string, fields docstore.Fields) error {
	compiled, ok := r.schemas[collection]
	if !ok {
		if r.strict {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
		}
		return nil
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := compiled.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return fmt.Errorf("%s: %s", collection, strings.Join(leafMessages(validationErr), "; "))
		}
		return err
	}
	return nil
}

func leafMessages(validationErr *jsonschema.ValidationError) []string {
	if len(validationErr.Causes) == 0 {
		location := "/" + strings.Join(validationErr.InstanceLocation, "/")
		return []string{location + ": " + validationErr.Error()}
	}
	messages := make([]string, 0, len(validationErr.Causes))
	for _, cause := range validationErr.Causes {
		messages = append(messages, leafMessages(cause)...)
	}
	return messages
}
