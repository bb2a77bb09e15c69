package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseRequest decodes a request from YAML or JSON.
// The analysis complexity is clamped to [0,1] and the request is validated.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}

	req.Analysis.Complexity = ClampComplexity(req.Analysis.Complexity)
	if req.Analysis.EstimatedComponents < 1 {
		req.Analysis.EstimatedComponents = 1
	}

	if req.Decomposition != nil {
		if err := Validate(req.Decomposition); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// LoadRequest reads and parses a request file.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return ParseRequest(data)
}

// MarshalRequest encodes a request as YAML.
func MarshalRequest(req *Request) ([]byte, error) {
	return yaml.Marshal(req)
}
