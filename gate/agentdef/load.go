// Package agentdef loads Agent Definitions from YAML or JSON files.
//
// A definition file is decoded with yaml.v3 (JSON is accepted as a YAML
// subset), checked against an embedded JSON Schema, decoded into a
// gate.Definition with unknown fields rejected, and finally run through
// gate.Definition.Validate for the cross-field invariants the schema cannot
// express (sequential stage ids, repair ranges within bounds).
//
// Example file:
//
//	slug: research
//	stages:
//	  - {id: 0, name: Query Plan, pauseInstructions: Show the plan to the user.}
//	  - {id: 1, name: Search}
//	pauseAfterStages: [0]
//	pauseOnErrors: [auth]
//	repairUnits:
//	  - {stageRange: [0, 1], maxIterations: 2, feedbackField: feedback}
package agentdef

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/dshills/stagegate/gate"
)

// ErrUnsupportedFile is returned for files whose extension is not a
// definition format.
var ErrUnsupportedFile = errors.New("unsupported definition file")

//go:embed definition.schema.json
var definitionSchemaJSON string

var definitionSchema = jsonschema.MustCompileString("definition.schema.json", definitionSchemaJSON)

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// LoadFile reads and validates one definition file. When the file sets no
// slug, the file name without extension is used.
func LoadFile(path string) (*gate.Definition, error) {
	if !supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	base := filepath.Base(path)
	def, err := Parse(data, strings.TrimSuffix(base, filepath.Ext(base)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a definition document. defaultSlug is used
// when the document has no slug of its own.
func Parse(data []byte, defaultSlug string) (*gate.Definition, error) {
	doc, err := decodeYAML(data)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := definitionSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrInvalidDefinition, err)
	}

	var def gate.Definition
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrInvalidDefinition, err)
	}
	if def.Slug == "" {
		def.Slug = defaultSlug
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func decodeYAML(data []byte) (any, error) {
	var doc any
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", gate.ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse definition: multiple documents are not supported")
		}
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return normalize(doc), nil
}

// normalize converts the map[interface{}]interface{} values yaml.v3 yields
// for non-string keys (schemas keyed by stage id) into string-keyed maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
