package filter

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Apply runs a JMESPath expression against a JSON document and returns the
// selected value as indented JSON. Scalars come back unquoted so they can be
// used directly in shell scripts (e.g. [0].requests_per_second).
func Apply(document []byte, expression string) ([]byte, error) {
	var data interface{}
	if err := json.Unmarshal(document, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	jp, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid JMESPath expression '%s': %w", expression, err)
	}

	result, err := jp.Search(data)
	if err != nil {
		return nil, fmt.Errorf("JMESPath search failed: %w", err)
	}

	switch v := result.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return []byte(v), nil
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return output, nil
}

// IsValid checks if an expression is valid JMESPath syntax
func IsValid(expression string) bool {
	_, err := jmespath.Compile(expression)
	return err == nil
}
