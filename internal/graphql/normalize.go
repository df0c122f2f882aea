// Package graphql normalizes GraphQL requests into their top-level fields.
//
// A request body (or the query/variables/operationName tuple from GET query
// parameters) is parsed, fragments are inlined, variables are substituted
// into argument values, batches are flattened, and the result is the
// deduplicated list of top-level query and mutation fields in first-seen
// order. Subscriptions are treated as queries.
package graphql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Field is a top-level selection with fully substituted argument values.
type Field struct {
	Name string
	Args []Argument
}

// Argument preserves the original argument order of the request.
type Argument struct {
	Name  string
	Value *ast.Value
}

// Request is the normalized form of one (possibly batched) GraphQL request.
type Request struct {
	Queries   []Field
	Mutations []Field
}

type rawRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// ParseBody normalizes a POST body: either a single request object or a
// batch array of them.
func ParseBody(body []byte) (*Request, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty GraphQL request body")
	}

	var raws []rawRequest
	if trimmed[0] == '[' {
		if err := decodeJSON(body, &raws); err != nil {
			return nil, fmt.Errorf("decode GraphQL batch: %w", err)
		}
	} else {
		var one rawRequest
		if err := decodeJSON(body, &one); err != nil {
			return nil, fmt.Errorf("decode GraphQL request: %w", err)
		}
		raws = []rawRequest{one}
	}

	out := &Request{}
	for _, raw := range raws {
		if err := normalizeOne(raw, out); err != nil {
			return nil, err
		}
	}
	return dedup(out), nil
}

// ParseQueryParams normalizes a GET request from its query parameters:
// query, variables (a JSON object) and operationName.
func ParseQueryParams(params url.Values) (*Request, error) {
	raw := rawRequest{
		Query:         params.Get("query"),
		OperationName: params.Get("operationName"),
	}
	if raw.Query == "" {
		return nil, fmt.Errorf("missing query parameter")
	}
	if vars := params.Get("variables"); vars != "" {
		if err := decodeJSON([]byte(vars), &raw.Variables); err != nil {
			return nil, fmt.Errorf("decode variables parameter: %w", err)
		}
	}
	out := &Request{}
	if err := normalizeOne(raw, out); err != nil {
		return nil, err
	}
	return dedup(out), nil
}

// decodeJSON decodes with json.Number so numeric literals keep their exact
// textual form through substitution.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func normalizeOne(raw rawRequest, out *Request) error {
	if strings.TrimSpace(raw.Query) == "" {
		return fmt.Errorf("empty GraphQL query")
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: raw.Query})
	if err != nil {
		return fmt.Errorf("parse GraphQL query: %w", err)
	}

	fragments := make(map[string]*ast.FragmentDefinition, len(doc.Fragments))
	for _, frag := range doc.Fragments {
		fragments[frag.Name] = frag
	}

	ops := doc.Operations
	if raw.OperationName != "" {
		ops = nil
		for _, op := range doc.Operations {
			if op.Name == raw.OperationName {
				ops = append(ops, op)
			}
		}
		if len(ops) == 0 {
			return fmt.Errorf("operation %q not found in request", raw.OperationName)
		}
	}

	for _, op := range ops {
		selections, err := inlineFragments(op.SelectionSet, fragments, nil)
		if err != nil {
			return err
		}
		for _, sel := range selections {
			astField, ok := sel.(*ast.Field)
			if !ok {
				return fmt.Errorf("top-level selection is not a field")
			}
			field := Field{Name: astField.Name}
			for _, arg := range astField.Arguments {
				field.Args = append(field.Args, Argument{
					Name:  arg.Name,
					Value: substituteVariables(arg.Value, raw.Variables),
				})
			}
			if op.Operation == ast.Mutation {
				out.Mutations = append(out.Mutations, field)
			} else {
				// Queries and subscriptions alike.
				out.Queries = append(out.Queries, field)
			}
		}
	}
	return nil
}

// inlineFragments expands fragment spreads and inline fragments recursively.
// An unknown fragment name is a failure; a spread cycle is too.
func inlineFragments(set ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, visiting []string) ([]ast.Selection, error) {
	var out []ast.Selection
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			expanded, err := inlineFragments(s.SelectionSet, fragments, visiting)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
		case *ast.FragmentSpread:
			frag, ok := fragments[s.Name]
			if !ok {
				return nil, fmt.Errorf("unknown fragment %q", s.Name)
			}
			for _, name := range visiting {
				if name == s.Name {
					return nil, fmt.Errorf("fragment cycle through %q", s.Name)
				}
			}
			expanded, err := inlineFragments(frag.SelectionSet, fragments, append(visiting, s.Name))
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
		default:
			return nil, fmt.Errorf("unsupported selection kind %T", sel)
		}
	}
	return out, nil
}

// substituteVariables replaces variable references with literals from the
// request's variables map. A variable that is not present resolves to null.
func substituteVariables(v *ast.Value, vars map[string]any) *ast.Value {
	switch v.Kind {
	case ast.Variable:
		val, ok := vars[v.Raw]
		if !ok {
			return &ast.Value{Kind: ast.NullValue, Raw: "null"}
		}
		return jsonToValue(val)
	case ast.ListValue, ast.ObjectValue:
		children := make(ast.ChildValueList, len(v.Children))
		for i, c := range v.Children {
			children[i] = &ast.ChildValue{Name: c.Name, Value: substituteVariables(c.Value, vars)}
		}
		return &ast.Value{Kind: v.Kind, Children: children}
	default:
		return v
	}
}

// jsonToValue converts a decoded JSON variable value to a value AST. Object
// keys are emitted in sorted order so the canonical serialization is stable.
func jsonToValue(val any) *ast.Value {
	switch x := val.(type) {
	case nil:
		return &ast.Value{Kind: ast.NullValue, Raw: "null"}
	case bool:
		if x {
			return &ast.Value{Kind: ast.BooleanValue, Raw: "true"}
		}
		return &ast.Value{Kind: ast.BooleanValue, Raw: "false"}
	case json.Number:
		raw := x.String()
		if strings.ContainsAny(raw, ".eE") {
			return &ast.Value{Kind: ast.FloatValue, Raw: raw}
		}
		return &ast.Value{Kind: ast.IntValue, Raw: raw}
	case string:
		return &ast.Value{Kind: ast.StringValue, Raw: x}
	case []any:
		children := make(ast.ChildValueList, len(x))
		for i, item := range x {
			children[i] = &ast.ChildValue{Value: jsonToValue(item)}
		}
		return &ast.Value{Kind: ast.ListValue, Children: children}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		children := make(ast.ChildValueList, 0, len(keys))
		for _, k := range keys {
			children = append(children, &ast.ChildValue{Name: k, Value: jsonToValue(x[k])})
		}
		return &ast.Value{Kind: ast.ObjectValue, Children: children}
	default:
		// Unreachable for values produced by encoding/json.
		return &ast.Value{Kind: ast.NullValue, Raw: "null"}
	}
}

func dedup(r *Request) *Request {
	r.Queries = dedupFields(r.Queries)
	r.Mutations = dedupFields(r.Mutations)
	return r
}

func dedupFields(fields []Field) []Field {
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		key := f.Expr()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
