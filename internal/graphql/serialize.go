package graphql

import (
	"encoding/json"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Expr renders the field in canonical form: the field name, followed by its
// arguments in original order as GraphQL literals. This string is what
// request keys, pattern suggestions and deduplication are built from.
func (f Field) Expr() string {
	if len(f.Args) == 0 {
		return f.Name
	}
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteByte('(')
	for i, arg := range f.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.Name)
		b.WriteString(": ")
		writeValue(&b, arg.Value)
	}
	b.WriteByte(')')
	return b.String()
}

func writeValue(b *strings.Builder, v *ast.Value) {
	switch v.Kind {
	case ast.StringValue, ast.BlockValue:
		// JSON string escaping is a subset of GraphQL string escaping, so
		// the result re-parses as the same value.
		quoted, _ := json.Marshal(v.Raw)
		b.Write(quoted)
	case ast.ListValue:
		b.WriteByte('[')
		for i, c := range v.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, c.Value)
		}
		b.WriteByte(']')
	case ast.ObjectValue:
		b.WriteByte('{')
		for i, c := range v.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			b.WriteString(": ")
			writeValue(b, c.Value)
		}
		b.WriteByte('}')
	case ast.Variable:
		b.WriteByte('$')
		b.WriteString(v.Raw)
	default:
		b.WriteString(v.Raw)
	}
}
