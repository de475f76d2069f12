package instrument

import (
	"go/ast"
	"strings"
)

// typeString renders a parameter type as a simplified, unqualified name:
// `ctx context.Context, ns []*store.Node` becomes `Context,[]*Node`.
// Package qualifiers and generic type arguments are dropped, so overloads
// across packages are disambiguated only approximately.
func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return t.Sel.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.Ellipsis:
		return "..." + typeString(t.Elt)
	case *ast.ArrayType:
		if t.Len == nil {
			return "[]" + typeString(t.Elt)
		}
		if lit, ok := t.Len.(*ast.BasicLit); ok {
			return "[" + lit.Value + "]" + typeString(t.Elt)
		}
		return "[n]" + typeString(t.Elt)
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.ChanType:
		return "chan " + typeString(t.Value)
	case *ast.FuncType:
		return "func"
	case *ast.InterfaceType:
		if len(t.Methods.List) == 0 {
			return "any"
		}
		return "interface"
	case *ast.StructType:
		return "struct"
	case *ast.ParenExpr:
		return typeString(t.X)
	case *ast.IndexExpr:
		return typeString(t.X)
	case *ast.IndexListExpr:
		return typeString(t.X)
	default:
		return "?"
	}
}

// paramTypes renders the simplified comma-joined parameter type list of a
// function signature. A parameter-less function renders as the empty string.
func paramTypes(ft *ast.FuncType) string {
	if ft.Params == nil || len(ft.Params.List) == 0 {
		return ""
	}
	var parts []string
	for _, field := range ft.Params.List {
		ts := typeString(field.Type)
		n := len(field.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			parts = append(parts, ts)
		}
	}
	return strings.Join(parts, ",")
}

// receiverType returns the simplified receiver type name of a method, or ""
// for a plain function. Pointer receivers and generic receivers reduce to the
// base type name.
func receiverType(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	t := fn.Recv.List[0].Type
	for {
		switch u := t.(type) {
		case *ast.StarExpr:
			t = u.X
		case *ast.ParenExpr:
			t = u.X
		case *ast.IndexExpr:
			t = u.X
		case *ast.IndexListExpr:
			t = u.X
		case *ast.Ident:
			return u.Name
		default:
			return ""
		}
	}
}
