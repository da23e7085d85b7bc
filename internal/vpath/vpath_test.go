package vpath

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"/a/b/c":        "/a/b/c",
		"/a//b/./c/":    "/a/b/c",
		"/a/b/../c":     "/a/c",
		"/../a":         "/a",
		"/":             "/",
		"a/./b":         "a/b",
		"":               "",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplit(t *testing.T) {
	dir, base := Split("/usr/local/bin")
	if dir != "/usr/local" || base != "bin" {
		t.Fatalf("got %q, %q", dir, base)
	}
	dir, base = Split("/bin")
	if dir != "/" || base != "bin" {
		t.Fatalf("got %q, %q", dir, base)
	}
	dir, base = Split("bin")
	if dir != "." || base != "bin" {
		t.Fatalf("got %q, %q", dir, base)
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/usr", "local"); got != "/usr/local" {
		t.Fatalf("got %q", got)
	}
	if got := Join("/usr/", "local"); got != "/usr/local" {
		t.Fatalf("got %q", got)
	}
	if got := Join("/usr", "/abs"); got != "/abs" {
		t.Fatalf("got %q", got)
	}
}

func TestNextComponent(t *testing.T) {
	comp, rest := NextComponent("/usr/local/bin")
	if comp != "usr" || rest != "/local/bin" {
		t.Fatalf("got %q, %q", comp, rest)
	}
	comp, rest = NextComponent("bin")
	if comp != "bin" || rest != "" {
		t.Fatalf("got %q, %q", comp, rest)
	}
}

func TestComponents(t *testing.T) {
	c := Components("/usr/local/bin")
	want := []string{"usr", "local", "bin"}
	if len(c) != len(want) {
		t.Fatalf("got %v", c)
	}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("got %v, want %v", c, want)
		}
	}
	if Components("/") != nil {
		t.Fatal("expected nil for root")
	}
}
