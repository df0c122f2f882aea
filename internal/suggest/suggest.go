// Package suggest proposes grant/rejection pattern candidates for an
// observed request, ordered from most specific to catch-all. Generalization
// runs right to left: the rightmost path parameters and the rightmost
// GraphQL arguments are the most variable parts of an API call, so they are
// widened first.
package suggest

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tokengate/tokengate/internal/graphql"
	"github.com/tokengate/tokengate/internal/openapi"
	"github.com/tokengate/tokengate/pkg/types"
)

// HTTP returns pattern candidates for a concrete request, widening path
// parameters right to left when an OpenAPI template is known. The template
// may be nil.
func HTTP(method, pathWithQuery string, template *openapi.Path) []types.PatternOption {
	path := pathWithQuery
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	var options []types.PatternOption
	seen := make(map[string]struct{})
	add := func(pattern, description string) {
		if _, ok := seen[pattern]; ok {
			return
		}
		seen[pattern] = struct{}{}
		options = append(options, types.PatternOption{Pattern: pattern, Description: description})
	}

	add(method+" "+path, "only this exact path")

	if template != nil {
		var concrete []string
		for _, part := range strings.Split(path, "/") {
			if part != "" {
				concrete = append(concrete, part)
			}
		}
		if len(concrete) == len(template.Segments) {
			var params []int
			for i, seg := range template.Segments {
				if seg.IsParameter {
					params = append(params, i)
				}
			}
			for i := len(params) - 1; i >= 0; i-- {
				segments := make([]string, len(concrete))
				copy(segments, concrete)
				var names []string
				for _, pos := range params[i:] {
					segments[pos] = "*"
					names = append(names, strings.Trim(template.Segments[pos].Value, "{}"))
				}
				add(method+" /"+strings.Join(segments, "/"), "any "+strings.Join(names, ", "))
			}
		}
	}

	add(method+" *", "any "+method+" request to this host")
	return options
}

// GraphQL returns pattern candidates for a top-level field, replacing
// argument values with $ANY from the last argument leftward.
func GraphQL(opType string, field graphql.Field) []types.PatternOption {
	var options []types.PatternOption
	seen := make(map[string]struct{})
	add := func(pattern, description string) {
		if _, ok := seen[pattern]; ok {
			return
		}
		seen[pattern] = struct{}{}
		options = append(options, types.PatternOption{Pattern: pattern, Description: description})
	}

	prefix := "GRAPHQL " + opType + " "
	add(prefix+field.Expr(), "only this exact operation")

	for i := len(field.Args) - 1; i >= 0; i-- {
		widened := graphql.Field{Name: field.Name, Args: make([]graphql.Argument, len(field.Args))}
		copy(widened.Args, field.Args)
		var names []string
		for j := i; j < len(field.Args); j++ {
			widened.Args[j].Value = &ast.Value{Kind: ast.Variable, Raw: "ANY"}
			names = append(names, field.Args[j].Name)
		}
		add(prefix+widened.Expr(), "any value for "+strings.Join(names, ", "))
	}

	add(prefix+"*", "any "+opType+" on this host")
	return options
}
