package textutil

import "testing"

func TestCleanName(t *testing.T) {
	cases := map[string]string{
		"  Ada   Lovelace ":              "Ada Lovelace",
		"<b>Bold</b> Customer":           "Bold Customer",
		"Tom & Jerry":                    "Tom & Jerry",
		"<script>alert(1)</script>Grace": "Grace",
		"":                               "",
	}
	for input, want := range cases {
		if got := CleanName(input); got != want {
			t.Fatalf("CleanName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFoldContains(t *testing.T) {
	if !FoldContains("Grace Hopper", "hop") {
		t.Fatal("expected case-insensitive match")
	}
	if !FoldContains("STRASSE", "straße") {
		t.Fatal("expected unicode folding to match sharp s")
	}
	if FoldContains("Ada", "grace") {
		t.Fatal("unexpected match")
	}
	if !FoldContains("anything", "") {
		t.Fatal("empty needle should match")
	}
}
