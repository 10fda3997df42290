package archive

import "testing"

func TestValidateRejectsPathTraversal(t *testing.T) {
	entries := []Entry{{Path: "../secrets.env", UncompressedSize: 10}}
	_, err := Validate(entries, Limits{MaxFiles: 300, MaxBytes: 1000})
	if err == nil {
		t.Fatal("want error for traversal entry")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("want *ValidationError, got %T", err)
	}
}

func TestValidateRejectsTooManyEntries(t *testing.T) {
	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{Path: "a.sol", UncompressedSize: 1}
	}
	_, err := Validate(entries, Limits{MaxFiles: 3, MaxBytes: 1000})
	if err == nil {
		t.Fatal("want error for too many entries")
	}
}

func TestValidateFailsWhenSizeExceedsLimit(t *testing.T) {
	entries := []Entry{
		{Path: "a.sol", UncompressedSize: 600},
		{Path: "b.sol", UncompressedSize: 600},
	}
	_, err := Validate(entries, Limits{MaxFiles: 10, MaxBytes: 1000})
	if err == nil {
		t.Fatal("want error when accumulated size exceeds max bytes")
	}
}

func TestValidateDropsUnacceptedExtensionsAndDedupesFirstWins(t *testing.T) {
	entries := []Entry{
		{Path: "contracts/main.sol", UncompressedSize: 10},
		{Path: "contracts/main.sol", UncompressedSize: 999}, // duplicate, discarded
		{Path: "image.png", UncompressedSize: 5},            // not in allow-list
		{Path: "tests/main_test.sol", UncompressedSize: 7},
	}
	got, err := Validate(entries, Limits{MaxFiles: 10, MaxBytes: 1000})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 accepted entries, got %d: %+v", len(got), got)
	}
	if got[0].Path != "contracts/main.sol" || got[0].UncompressedSize != 10 {
		t.Fatalf("want first-wins dedup to keep size 10, got %+v", got[0])
	}
	if !got[1].IsTestFile {
		t.Fatalf("want tests/main_test.sol tagged as a test file, got %+v", got[1])
	}
	if got[1].Language != "solidity" {
		t.Fatalf("want solidity language tag, got %q", got[1].Language)
	}
}

func TestIsTestFileMatchesSpecFileConvention(t *testing.T) {
	cases := map[string]bool{
		"tests/main.sol":        true,
		"test/main.sol":         true,
		"__tests__/main.sol":    true,
		"contracts/main.spec.ts": true,
		"contracts/main.sol":    false,
	}
	for path, want := range cases {
		if got := isTestFile(path); got != want {
			t.Errorf("isTestFile(%q) = %v, want %v", path, got, want)
		}
	}
}
