// Package openapi indexes the path templates of an OpenAPI v3 document so a
// concrete request path can be resolved to its templated form, e.g.
// /repos/a/b -> /repos/{owner}/{repo}. Only the path/method surface of the
// document is modeled; everything else is ignored.
package openapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Segment is one /-delimited piece of a path template.
type Segment struct {
	Value       string
	IsParameter bool
}

// Path is an indexed path template together with the HTTP methods declared
// on its path item.
type Path struct {
	Template string
	Segments []Segment
	Methods  map[string]struct{}
}

// Document holds a spec's path templates in document order; lookups scan
// linearly and the first match wins.
type Document struct {
	Paths []*Path
}

var pathItemMethods = map[string]struct{}{
	"get": {}, "put": {}, "post": {}, "delete": {},
	"options": {}, "head": {}, "patch": {}, "trace": {},
}

// Parse reads an OpenAPI document in YAML or JSON form (YAML is a superset,
// one decoder covers both) and indexes its paths in document order.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("unmarshal OpenAPI document: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty OpenAPI document")
	}
	paths := mappingValue(root.Content[0], "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("OpenAPI document has no paths object")
	}

	doc := &Document{}
	for i := 0; i+1 < len(paths.Content); i += 2 {
		template := paths.Content[i].Value
		item := paths.Content[i+1]
		if item.Kind != yaml.MappingNode {
			continue
		}
		p := &Path{
			Template: template,
			Segments: splitTemplate(template),
			Methods:  make(map[string]struct{}),
		}
		for j := 0; j+1 < len(item.Content); j += 2 {
			method := strings.ToLower(item.Content[j].Value)
			if _, ok := pathItemMethods[method]; ok {
				p.Methods[strings.ToUpper(method)] = struct{}{}
			}
		}
		doc.Paths = append(doc.Paths, p)
	}
	return doc, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func splitTemplate(template string) []Segment {
	var segments []Segment
	for _, part := range strings.Split(template, "/") {
		if part == "" {
			continue
		}
		segments = append(segments, Segment{
			Value:       part,
			IsParameter: strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"),
		})
	}
	return segments
}

// Lookup resolves a concrete path to the first template whose method set
// contains method, whose segment count matches, and whose literal segments
// are byte-identical. Returns nil when nothing matches.
func (d *Document) Lookup(method, concretePath string) *Path {
	if d == nil {
		return nil
	}
	if i := strings.IndexByte(concretePath, '?'); i >= 0 {
		concretePath = concretePath[:i]
	}
	var concrete []string
	for _, part := range strings.Split(concretePath, "/") {
		if part != "" {
			concrete = append(concrete, part)
		}
	}

	method = strings.ToUpper(method)
	for _, p := range d.Paths {
		if _, ok := p.Methods[method]; !ok {
			continue
		}
		if len(p.Segments) != len(concrete) {
			continue
		}
		match := true
		for i, seg := range p.Segments {
			if !seg.IsParameter && seg.Value != concrete[i] {
				match = false
				break
			}
		}
		if match {
			return p
		}
	}
	return nil
}

// Index holds the parsed documents of all configured hosts.
type Index struct {
	mu     sync.RWMutex
	byHost map[string]*Document
}

func NewIndex() *Index {
	return &Index{byHost: make(map[string]*Document)}
}

func (x *Index) Set(host string, doc *Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byHost[host] = doc
}

// Lookup finds the matching path template for a host, or nil when the host
// has no spec or nothing matches.
func (x *Index) Lookup(host, method, concretePath string) *Path {
	if x == nil {
		return nil
	}
	x.mu.RLock()
	doc := x.byHost[host]
	x.mu.RUnlock()
	return doc.Lookup(method, concretePath)
}

// Load fetches and parses a spec from a URL or a local file path; exactly
// one of the two must be set. Fetching happens once, at config load.
func Load(ctx context.Context, client *http.Client, specURL, specPath string) (*Document, error) {
	var data []byte
	switch {
	case specURL != "" && specPath != "":
		return nil, fmt.Errorf("OpenAPI source has both url and path")
	case specURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build spec request: %w", err)
		}
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch OpenAPI spec: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch OpenAPI spec: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, fmt.Errorf("read OpenAPI spec: %w", err)
		}
	case specPath != "":
		var err error
		data, err = os.ReadFile(specPath)
		if err != nil {
			return nil, fmt.Errorf("read OpenAPI spec: %w", err)
		}
	default:
		return nil, fmt.Errorf("OpenAPI source has neither url nor path")
	}
	return Parse(data)
}
