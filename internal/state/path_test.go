package state

import (
	"errors"
	"testing"
)

func TestParsePath_Forms(t *testing.T) {
	cases := []struct {
		src  string
		want Path
	}{
		{"hp", Path{{Key: "hp"}}},
		{"player_stats.hp", Path{{Key: "player_stats"}, {Key: "hp"}}},
		{"inventory[0]", Path{{Key: "inventory"}, {IsIndex: true, Index: 0}}},
		{"inventory[*]", Path{{Key: "inventory"}, {IsIndex: true, Wildcard: true}}},
		{"npcs[2].name", Path{{Key: "npcs"}, {IsIndex: true, Index: 2}, {Key: "name"}}},
		{"a1.b_2[10]", Path{{Key: "a1"}, {Key: "b_2"}, {IsIndex: true, Index: 10}}},
	}
	for _, tc := range cases {
		p, err := ParsePath(tc.src)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.src, err)
		}
		if len(p) != len(tc.want) {
			t.Fatalf("parse %q: got %d steps, want %d", tc.src, len(p), len(tc.want))
		}
		for i := range p {
			if p[i] != tc.want[i] {
				t.Fatalf("parse %q step %d: got %+v, want %+v", tc.src, i, p[i], tc.want[i])
			}
		}
		if got := p.String(); got != tc.src {
			t.Fatalf("roundtrip %q: got %q", tc.src, got)
		}
	}
}

func TestParsePath_Errors(t *testing.T) {
	cases := []struct {
		src  string
		code PathErrorCode
	}{
		{"", ErrInvalidSyntax},
		{".hp", ErrInvalidSyntax},
		{"1hp", ErrInvalidSyntax},
		{"hp.", ErrInvalidSyntax},
		{"hp[", ErrInvalidSyntax},
		{"hp[x]", ErrInvalidSyntax},
		{"hp[-1]", ErrInvalidSyntax},
		{"hp[*].name", ErrInvalidWildcardUsage},
		{"hp..x", ErrInvalidSyntax},
		{"hp ", ErrInvalidSyntax},
	}
	for _, tc := range cases {
		_, err := ParsePath(tc.src)
		var pe *PathError
		if !errors.As(err, &pe) {
			t.Fatalf("parse %q: expected PathError, got %v", tc.src, err)
		}
		if pe.Code != tc.code {
			t.Fatalf("parse %q: got code %s, want %s", tc.src, pe.Code, tc.code)
		}
	}
}

func TestResolve(t *testing.T) {
	tree := MustNormalize(map[string]any{
		"hp": 10,
		"inventory": []any{"sword", "shield"},
		"stats": map[string]any{"str": 16},
	})

	got, err := Resolve(tree, mustParse(t, "stats.str"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != float64(16) {
		t.Fatalf("resolve stats.str: got %v", got)
	}

	got, err = Resolve(tree, mustParse(t, "inventory[1]"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "shield" {
		t.Fatalf("resolve inventory[1]: got %v", got)
	}

	cases := []struct {
		path string
		code PathErrorCode
	}{
		{"missing", ErrMissingKey},
		{"missing.deeper", ErrMissingParent},
		{"inventory[5]", ErrIndexOutOfRange},
		{"hp[0]", ErrMissingParent},
		{"inventory[*]", ErrInvalidWildcardUsage},
		{"stats[0]", ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		_, err := Resolve(tree, mustParse(t, tc.path))
		var pe *PathError
		if !errors.As(err, &pe) {
			t.Fatalf("resolve %q: expected PathError, got %v", tc.path, err)
		}
		if pe.Code != tc.code {
			t.Fatalf("resolve %q: got code %s, want %s", tc.path, pe.Code, tc.code)
		}
	}
}

func TestMutate_CopyOnWrite(t *testing.T) {
	orig := MustNormalize(map[string]any{
		"scene": map[string]any{"name": "tavern"},
		"stats": map[string]any{"hp": 10},
	}).(map[string]any)

	next, err := Mutate(orig, mustParse(t, "stats.hp"), func(parent any, last Step) (any, error) {
		m := parent.(map[string]any)
		m[last.Key] = float64(7)
		return m, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	nm := next.(map[string]any)
	if got := nm["stats"].(map[string]any)["hp"]; got != float64(7) {
		t.Fatalf("new tree hp: got %v", got)
	}
	if got := orig["stats"].(map[string]any)["hp"]; got != float64(10) {
		t.Fatalf("original tree mutated: hp %v", got)
	}
	// Untouched subtrees are shared, not copied.
	os := orig["scene"].(map[string]any)
	ns := nm["scene"].(map[string]any)
	os["marker"] = true
	if _, ok := ns["marker"]; !ok {
		t.Fatal("unaffected subtree was copied instead of shared")
	}
	delete(os, "marker")
}

func mustParse(t *testing.T, src string) Path {
	t.Helper()
	p, err := ParsePath(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return p
}
