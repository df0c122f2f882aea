package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is the persisted policy configuration, a JSON object keyed by
// hostname.
type Document map[string]*HostPolicy

// HostPolicy configures mediation for one upstream host.
type HostPolicy struct {
	// GraphQLEndpoints lists request paths treated as GraphQL endpoints.
	GraphQLEndpoints []string `json:"graphqlEndpoints,omitempty"`

	// OpenAPISpec optionally locates an OpenAPI document used to derive
	// path-template-aware suggestions.
	OpenAPISpec *OpenAPISource `json:"openApiSpec,omitempty"`

	Secrets []*SecretPolicy `json:"secrets"`
}

// OpenAPISource locates an OpenAPI document; exactly one field is set.
type OpenAPISource struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// SecretPolicy pairs a fake secret with the env var holding the real one,
// plus the pattern lists accumulated through approvals. The real secret is
// never part of this document.
type SecretPolicy struct {
	Secret           string   `json:"secret"`
	SecretEnvVarName string   `json:"secretEnvVarName"`
	Grants           []string `json:"grants"`
	Rejections       []string `json:"rejections"`
}

func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document %s: %w", path, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// writeDocument re-serializes the whole document and replaces the file via
// rename so readers never observe a torn write.
func writeDocument(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy document: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".policy-*.json")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write policy document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp policy file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace policy document: %w", err)
	}
	return nil
}
