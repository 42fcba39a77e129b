// Package api holds the HTTP contract of the service.
//
// openapi.yaml is the source of truth; the validator middleware checks
// requests and responses against it at runtime.
//
// Import Path: seclog.io/chain/internal/api
package api

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// BasePath is the server URL declared in openapi.yaml.
const BasePath = "/api/v1"

//go:embed openapi.yaml
var specYAML []byte

// SpecYAML returns the raw contract.
func SpecYAML() []byte {
	return specYAML
}

// GetSwagger parses and validates the embedded contract.
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi spec: %w", err)
	}
	return doc, nil
}
