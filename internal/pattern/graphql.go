package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ErrUnknownVariable is returned when a pattern uses a variable other than
// $ANY. Callers treat the pattern as non-matching and surface the diagnostic.
var ErrUnknownVariable = errors.New("unknown pattern variable")

// matchGraphQL matches the part after the GRAPHQL token: "<op> <field-expr|*>"
// against the request's "<op> <field-expr>".
func matchGraphQL(pRest, kRest string) (bool, error) {
	pOp, pExpr, ok := strings.Cut(pRest, " ")
	if !ok {
		return false, fmt.Errorf("malformed GraphQL pattern %q: want \"GRAPHQL <op> <field>\"", pRest)
	}
	if pOp != "query" && pOp != "mutation" {
		return false, fmt.Errorf("malformed GraphQL pattern: operation %q is not query or mutation", pOp)
	}
	kOp, kExpr, ok := strings.Cut(kRest, " ")
	if !ok || kOp != pOp {
		return false, nil
	}
	if pExpr == "*" {
		return true, nil
	}

	pField, err := parseFieldExpr(pExpr)
	if err != nil {
		return false, fmt.Errorf("pattern field: %w", err)
	}
	kField, err := parseFieldExpr(kExpr)
	if err != nil {
		return false, fmt.Errorf("request field: %w", err)
	}
	return matchField(pField, kField)
}

// parseFieldExpr parses a single field expression like
// createIssue(input: {title: "x"}) by wrapping it in an anonymous query.
func parseFieldExpr(expr string) (*ast.Field, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: "{" + expr + "}"})
	if err != nil {
		return nil, fmt.Errorf("parse field expression %q: %w", expr, err)
	}
	if len(doc.Operations) != 1 || len(doc.Operations[0].SelectionSet) != 1 {
		return nil, fmt.Errorf("field expression %q must contain exactly one field", expr)
	}
	field, ok := doc.Operations[0].SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("field expression %q is not a field", expr)
	}
	return field, nil
}

func matchField(p, k *ast.Field) (bool, error) {
	if p.Name != k.Name || len(p.Arguments) != len(k.Arguments) {
		return false, nil
	}
	for _, pArg := range p.Arguments {
		kArg := k.Arguments.ForName(pArg.Name)
		if kArg == nil {
			return false, nil
		}
		ok, err := matchValue(pArg.Value, kArg.Value)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// matchValue matches a pattern value AST against a request value AST. The
// pattern variable $ANY matches any request value; every other variable is
// an error. Scalars compare by kind and raw text, lists pairwise, objects by
// equal field cardinality and per-name recursion.
func matchValue(p, k *ast.Value) (bool, error) {
	if p.Kind == ast.Variable {
		if p.Raw == "ANY" {
			return true, nil
		}
		return false, fmt.Errorf("%w $%s (only $ANY is supported)", ErrUnknownVariable, p.Raw)
	}
	if k.Kind == ast.Variable {
		// Request keys carry substituted literals only.
		return false, nil
	}
	if normalizeKind(p.Kind) != normalizeKind(k.Kind) {
		return false, nil
	}
	switch p.Kind {
	case ast.ListValue:
		if len(p.Children) != len(k.Children) {
			return false, nil
		}
		for i, pc := range p.Children {
			ok, err := matchValue(pc.Value, k.Children[i].Value)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	case ast.ObjectValue:
		if len(p.Children) != len(k.Children) {
			return false, nil
		}
		for _, pc := range p.Children {
			kc := childForName(k.Children, pc.Name)
			if kc == nil {
				return false, nil
			}
			ok, err := matchValue(pc.Value, kc)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	default:
		return p.Raw == k.Raw, nil
	}
}

// normalizeKind folds block strings into plain strings so a triple-quoted
// pattern literal still matches a normalized request string.
func normalizeKind(k ast.ValueKind) ast.ValueKind {
	if k == ast.BlockValue {
		return ast.StringValue
	}
	return k
}

func childForName(children ast.ChildValueList, name string) *ast.Value {
	for _, c := range children {
		if c.Name == name {
			return c.Value
		}
	}
	return nil
}
