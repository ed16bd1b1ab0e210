package extension

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema is the structural layer of manifest validation:
// required fields, formats, lengths, and the closed pluginType enum.
// Everything that downgrades to a warning (unknown permissions,
// unsupported repository kinds, missing description) is handled by the
// semantic pass in Validate so forward compatibility is preserved.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "pluginType"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9_-]{2,48}[a-z0-9]$"
    },
    "name": {"type": "string", "minLength": 2, "maxLength": 100},
    "version": {
      "type": "string",
      "pattern": "^(0|[1-9]\\d*)\\.(0|[1-9]\\d*)\\.(0|[1-9]\\d*)(-((0|[1-9]\\d*|\\d*[a-zA-Z-][0-9a-zA-Z-]*)(\\.(0|[1-9]\\d*|\\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(\\+([0-9a-zA-Z-]+(\\.[0-9a-zA-Z-]+)*))?$"
    },
    "description": {"type": "string", "maxLength": 500},
    "pluginType": {
      "type": "string",
      "enum": ["media-provider", "stream-provider", "utility", "theme", "integration"]
    },
    "author": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "email": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
        "url": {"type": "string", "pattern": "^https?://"},
        "github": {"type": "string", "pattern": "^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$"}
      }
    },
    "repository": {
      "type": "object",
      "required": ["type", "owner", "repo"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "owner": {"type": "string", "minLength": 1},
        "repo": {"type": "string", "minLength": 1},
        "branch": {"type": "string"},
        "manifestPath": {"type": "string"}
      }
    },
    "permissions": {"type": "array", "items": {"type": "string"}},
    "security": {
      "type": "object",
      "properties": {
        "allowedDomains": {
          "type": "array",
          "items": {
            "type": "string",
            "pattern": "^(\\*\\.)?[a-z0-9]([a-z0-9-]*[a-z0-9])?(\\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$"
          }
        },
        "integrityHash": {"type": "string", "pattern": "^sha256-[A-Za-z0-9+/=]{43,}$"}
      }
    },
    "minAppVersion": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+$"},
    "maxAppVersion": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+$"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "supportedLanguages": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[a-z]{2}(-[A-Z]{2})?$"}
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
)

func schema() *gojsonschema.Schema {
	schemaOnce.Do(func() {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
		if err != nil {
			panic(fmt.Sprintf("extension: manifest schema does not compile: %v", err))
		}
		compiledSchema = s
	})
	return compiledSchema
}

// maxKeywords is the point past which the keyword list is considered
// spammy and flagged.
const maxKeywords = 10

// Validate checks the manifest against the schema and the semantic
// rules. Errors block loading; warnings surface to the caller but never
// block.
func Validate(m *Manifest) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}

	doc, err := json.Marshal(m)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("manifest not serializable: %v", err))
		return res
	}

	result, err := schema().Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("manifest validation failed: %v", err))
		return res
	}
	for _, e := range result.Errors() {
		res.Errors = append(res.Errors, fmt.Sprintf("manifest %s: %s", e.Field(), e.Description()))
	}

	// Semantic layer: cross-field rules and everything that must stay a
	// warning for forward compatibility.
	if m.Description == "" {
		res.Warnings = append(res.Warnings, "description is missing")
	}
	if m.Repository != nil && m.Repository.Type != RepoGitHub {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"repository type %q is not supported for update checks (supported: %s)",
			m.Repository.Type, RepoGitHub))
	}
	for _, p := range m.Permissions {
		if !IsRecognizedPermission(p) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unrecognized permission %q will not be granted", p))
		}
	}
	if len(m.Keywords) > maxKeywords {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d keywords declared, only the first %d are indexed", len(m.Keywords), maxKeywords))
	}
	if !m.Capabilities.Any() {
		res.Warnings = append(res.Warnings, "extension declares no capabilities")
	}

	res.Valid = len(res.Errors) == 0
	return res
}
