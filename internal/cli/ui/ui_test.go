package ui

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	table := NewTable(&buf, []string{"Method", "Path"}, &TableOptions{NoColor: true})
	table.Style(0, MethodColor)
	table.AddRow("GET", "/users/:id")
	table.AddRow("DELETE", "/users/:id")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	if lines[0] != "Method  Path      " {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "─") {
		t.Errorf("missing separator in %q", lines[1])
	}
	if lines[2] != "GET     /users/:id" {
		t.Errorf("unexpected row %q", lines[2])
	}
	if lines[3] != "DELETE  /users/:id" {
		t.Errorf("unexpected row %q", lines[3])
	}
}

func TestTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	NewTable(&buf, nil, nil).Render()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestMethodColor(t *testing.T) {
	if !MethodColor("GET").Equals(color.New(color.FgGreen)) {
		t.Error("GET should be green")
	}
	if !MethodColor("DELETE").Equals(color.New(color.FgRed)) {
		t.Error("DELETE should be red")
	}
	if !MethodColor("TRACE").Equals(color.New(color.FgWhite)) {
		t.Error("unknown methods should be white")
	}
}

func TestKeyValueTable(t *testing.T) {
	var buf bytes.Buffer
	table := NewKeyValueTable(&buf, true)
	table.AddRow("address", "localhost:3000")
	table.AddRow("cache", "memory")
	table.Render()

	expected := "address: localhost:3000\ncache:   memory\n"
	if buf.String() != expected {
		t.Errorf("got %q, want %q", buf.String(), expected)
	}
}

func TestFormatError(t *testing.T) {
	out := FormatError(ErrorOptions{
		Context:      "no route",
		Problem:      "GET /usrs",
		Suggestions:  []string{"/users"},
		HelpCommands: []string{"List routes: relay routes"},
		NoColor:      true,
	})

	for _, want := range []string{"✗ NO ROUTE: GET /usrs", "Did you mean: /users?", "→ List routes: relay routes"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatSuccess(t *testing.T) {
	if got := FormatSuccess("done", true); got != "✓ done" {
		t.Errorf("got %q", got)
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1, s2   string
		expected int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"saturday", "sunday", 3},
		{"/users", "/usrs", 1},
	}

	for _, tt := range tests {
		t.Run(tt.s1+"_"+tt.s2, func(t *testing.T) {
			if got := LevenshteinDistance(tt.s1, tt.s2); got != tt.expected {
				t.Errorf("LevenshteinDistance(%q, %q) = %d; want %d", tt.s1, tt.s2, got, tt.expected)
			}
		})
	}
}

func TestFindSimilar(t *testing.T) {
	candidates := []string{"/users", "/users", "/posts", "/health", "/USERS/me"}

	got := FindSimilar("/usrs", candidates, nil)
	if !reflect.DeepEqual(got, []string{"/users", "/posts"}) {
		t.Errorf("got %v", got)
	}

	got = FindSimilar("/users/me", candidates, &FuzzyMatchOptions{MaxDistance: 1, CaseSensitive: true})
	if len(got) != 0 {
		t.Errorf("expected no case-sensitive match, got %v", got)
	}

	got = FindSimilar("/users/me", candidates, &FuzzyMatchOptions{MaxDistance: 1})
	if !reflect.DeepEqual(got, []string{"/USERS/me"}) {
		t.Errorf("got %v", got)
	}
}
