package identity

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func packageSourceFiles(t *testing.T) []string {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve current test file path")
	}
	files, err := filepath.Glob(filepath.Join(filepath.Dir(currentFile), "*.go"))
	if err != nil {
		t.Fatalf("glob files: %v", err)
	}
	out := files[:0]
	for _, file := range files {
		if !strings.HasSuffix(file, "_test.go") {
			out = append(out, file)
		}
	}
	return out
}

func TestArchitecture_IdentityIsLeafPackage(t *testing.T) {
	fset := token.NewFileSet()
	var violations []string
	for _, file := range packageSourceFiles(t) {
		parsed, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parse file %s: %v", file, err)
		}
		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if !strings.HasPrefix(importPath, "hotline/keycore/") {
				continue
			}
			pos := fset.Position(imp.Path.Pos())
			violations = append(violations, fmt.Sprintf("%s:%d imports %q", filepath.Base(file), pos.Line, importPath))
		}
	}
	if len(violations) == 0 {
		return
	}
	t.Fatalf("internal/identity must not import other module packages:\n- %s", strings.Join(violations, "\n- "))
}

func TestArchitecture_NoPackageLevelState(t *testing.T) {
	fset := token.NewFileSet()
	var violations []string
	for _, file := range packageSourceFiles(t) {
		node, err := parser.ParseFile(fset, file, nil, 0)
		if err != nil {
			t.Fatalf("parse file %s: %v", file, err)
		}
		for _, decl := range node.Decls {
			gen, ok := decl.(*ast.GenDecl)
			if !ok || gen.Tok != token.VAR {
				continue
			}
			for _, spec := range gen.Specs {
				for _, name := range spec.(*ast.ValueSpec).Names {
					if strings.HasPrefix(name.Name, "Err") {
						continue
					}
					pos := fset.Position(name.Pos())
					violations = append(violations, fmt.Sprintf("%s:%d declares package variable %s", filepath.Base(file), pos.Line, name.Name))
				}
			}
		}
	}
	if len(violations) == 0 {
		return
	}
	t.Fatalf("key material must live in explicit values, not package state:\n- %s", strings.Join(violations, "\n- "))
}
