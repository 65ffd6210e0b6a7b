package graph

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/dyluth/folio/pkg/blackboard"
)

// conditionFunctions is the complete set of functions a condition may call.
var conditionFunctions = map[string]function.Function{
	"contains": stdlib.ContainsFunc,
	"length":   stdlib.LengthFunc,
	"strlen":   stdlib.StrlenFunc,
	"lower":    stdlib.LowerFunc,
	"upper":    stdlib.UpperFunc,
	"min":      stdlib.MinFunc,
	"max":      stdlib.MaxFunc,
	"abs":      stdlib.AbsoluteFunc,
}

// Reader is the read side of the Board a condition needs.
type Reader interface {
	Read(region, keyPath, readerID string) (any, error)
}

// Condition is a compiled step condition. It is an HCL expression whose
// variables are Board paths, for example:
//
//	contains(document_metadata.content_types, "handwriting")
//	page_observations[1].quality_score < 0.5 || document_metadata.language != "en"
//
// Only literals, Board references, operators, conditionals, tuples, templates and
// a fixed set of functions are accepted. Missing Board values evaluate to null.
type Condition struct {
	source string
	expr   hclsyntax.Expression
	paths  []string
}

// CompileCondition parses and checks a condition expression.
func CompileCondition(source string) (*Condition, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(source), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid condition %q: %s", source, diags.Error())
	}
	if err := checkExpression(expr); err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", source, err)
	}

	seen := make(map[string]struct{})
	for _, t := range expr.Variables() {
		p, err := traversalPath(t)
		if err != nil {
			return nil, fmt.Errorf("invalid condition %q: %w", source, err)
		}
		seen[p] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return &Condition{source: source, expr: expr, paths: paths}, nil
}

// String returns the source expression.
func (c *Condition) String() string { return c.source }

// Paths returns the Board paths the condition reads.
func (c *Condition) Paths() []string { return append([]string(nil), c.paths...) }

// Eval reads every referenced path through r on behalf of actor and evaluates
// the expression. The result must be a boolean.
func (c *Condition) Eval(r Reader, actor string) (bool, error) {
	roots := make(map[string]any)
	for _, p := range c.paths {
		region, keyPath := blackboard.SplitPath(p)
		v, err := r.Read(region, keyPath, actor)
		if err != nil && !blackboard.IsNotFound(err) {
			return false, err
		}
		if keyPath == "" {
			if _, ok := roots[region]; !ok || v != nil {
				roots[region] = v
			}
			continue
		}
		roots[region] = place(roots[region], strings.Split(keyPath, "."), v)
	}

	vars := make(map[string]cty.Value, len(roots))
	for name, v := range roots {
		vars[name] = toCty(v)
	}
	ctx := &hcl.EvalContext{Variables: vars, Functions: conditionFunctions}

	val, diags := c.expr.Value(ctx)
	if diags.HasErrors() {
		return false, fmt.Errorf("condition %q: %s", c.source, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() {
		return false, fmt.Errorf("condition %q evaluated to null", c.source)
	}
	val, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition %q must be boolean: %w", c.source, err)
	}
	return val.True(), nil
}

// checkExpression rejects every syntax node outside the condition language.
func checkExpression(expr hclsyntax.Expression) error {
	switch e := expr.(type) {
	case *hclsyntax.LiteralValueExpr, *hclsyntax.ScopeTraversalExpr:
		return nil
	case *hclsyntax.RelativeTraversalExpr:
		return checkExpression(e.Source)
	case *hclsyntax.IndexExpr:
		return checkAll(e.Collection, e.Key)
	case *hclsyntax.FunctionCallExpr:
		if _, ok := conditionFunctions[e.Name]; !ok {
			return fmt.Errorf("function %q is not available", e.Name)
		}
		return checkAll(e.Args...)
	case *hclsyntax.BinaryOpExpr:
		return checkAll(e.LHS, e.RHS)
	case *hclsyntax.UnaryOpExpr:
		return checkExpression(e.Val)
	case *hclsyntax.ConditionalExpr:
		return checkAll(e.Condition, e.TrueResult, e.FalseResult)
	case *hclsyntax.ParenthesesExpr:
		return checkExpression(e.Expression)
	case *hclsyntax.TemplateExpr:
		return checkAll(e.Parts...)
	case *hclsyntax.TemplateWrapExpr:
		return checkExpression(e.Wrapped)
	case *hclsyntax.TupleConsExpr:
		return checkAll(e.Exprs...)
	default:
		return fmt.Errorf("%T is not allowed in conditions", expr)
	}
}

func checkAll(exprs ...hclsyntax.Expression) error {
	for _, e := range exprs {
		if err := checkExpression(e); err != nil {
			return err
		}
	}
	return nil
}

// traversalPath turns document_metadata.language or page_observations[3].rotation
// into a dotted Board path.
func traversalPath(t hcl.Traversal) (string, error) {
	segs := []string{t.RootName()}
	for _, step := range t[1:] {
		switch s := step.(type) {
		case hcl.TraverseAttr:
			segs = append(segs, s.Name)
		case hcl.TraverseIndex:
			key, err := indexKey(s.Key)
			if err != nil {
				return "", err
			}
			segs = append(segs, key)
		default:
			return "", fmt.Errorf("unsupported reference %T", step)
		}
	}
	return strings.Join(segs, "."), nil
}

func indexKey(k cty.Value) (string, error) {
	if k.IsNull() || !k.IsKnown() {
		return "", fmt.Errorf("index must be a literal")
	}
	switch k.Type() {
	case cty.String:
		return k.AsString(), nil
	case cty.Number:
		n, acc := k.AsBigFloat().Int64()
		if acc != big.Exact {
			return "", fmt.Errorf("index must be a whole number")
		}
		return fmt.Sprintf("%d", n), nil
	default:
		return "", fmt.Errorf("index must be a string or number")
	}
}

// place sets v at segs inside the nested map root, creating maps as needed.
func place(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	m[segs[0]] = place(m[segs[0]], segs[1:], v)
	return m
}

// toCty converts a normalized Board value. Maps become objects and arrays become
// tuples so mixed element types are allowed.
func toCty(v any) cty.Value {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case bool:
		return cty.BoolVal(t)
	case string:
		return cty.StringVal(t)
	case float64:
		return cty.NumberFloatVal(t)
	case int:
		return cty.NumberIntVal(int64(t))
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(t))
		for i, x := range t {
			elems[i] = toCty(x)
		}
		return cty.TupleVal(elems)
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, x := range t {
			attrs[k] = toCty(x)
		}
		return cty.ObjectVal(attrs)
	default:
		return cty.StringVal(fmt.Sprint(t))
	}
}
