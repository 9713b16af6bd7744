package glob

import "testing"

func TestMatch_StarWithinSegment(t *testing.T) {
	m, err := Compile([]string{"*.tmp"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !m.Match("cache.tmp", "data/cache.tmp") {
		t.Error("expected cache.tmp to match *.tmp")
	}
	if m.Match("cache.tmp.bak", "data/cache.tmp.bak") {
		t.Error("did not expect cache.tmp.bak to match *.tmp")
	}
}

func TestMatch_DoubleStarCrossesSeparators(t *testing.T) {
	m, err := Compile([]string{"**/node_modules/**"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !m.Match("index.js", "project/sub/node_modules/pkg/index.js") {
		t.Error("expected nested node_modules path to match")
	}
	if m.Match("index.js", "project/src/index.js") {
		t.Error("did not expect unrelated path to match")
	}
}

func TestMatch_QuestionMarkSingleChar(t *testing.T) {
	m, err := Compile([]string{"file?.txt"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !m.Match("file1.txt", "file1.txt") {
		t.Error("expected file1.txt to match file?.txt")
	}
	if m.Match("file12.txt", "file12.txt") {
		t.Error("did not expect file12.txt to match file?.txt")
	}
}

func TestMatch_NilMatcherNeverMatches(t *testing.T) {
	var m *Matcher
	if m.Match("anything", "anything") {
		t.Error("expected nil matcher to never match")
	}
}

func TestMatch_EmptyPatternList(t *testing.T) {
	m, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if m.Match("anything", "path/anything") {
		t.Error("expected empty pattern list to never match")
	}
}
