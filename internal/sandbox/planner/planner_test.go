package planner

import "testing"

func stepIDs(p Plan) []string {
	var ids []string
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestPlanDetectsBlueprintConfig(t *testing.T) {
	files := []File{
		{Path: "blueprint.config.ts", Language: "typescript"},
		{Path: "contracts/main.tact", Language: "tact"},
	}
	p := Plan(files, ProfileDeep)

	if p.Adapter != AdapterBlueprint {
		t.Fatalf("want blueprint adapter, got %s", p.Adapter)
	}
	if p.BootstrapMode != BootstrapNone {
		t.Fatalf("want bootstrapMode=none, got %s", p.BootstrapMode)
	}
	ids := stepIDs(p)
	if !contains(ids, "blueprint-build") || !contains(ids, "blueprint-test") {
		t.Fatalf("want blueprint-build and blueprint-test steps, got %v", ids)
	}
}

func TestPlanSingleKnownLanguage(t *testing.T) {
	files := []File{{Path: "contracts/main.tact", Language: "tact"}}
	p := Plan(files, ProfileDeep)

	if p.Adapter != AdapterTact {
		t.Fatalf("want tact adapter, got %s", p.Adapter)
	}
	if p.BootstrapMode != BootstrapCreateTon {
		t.Fatalf("want bootstrap-create-ton, got %s", p.BootstrapMode)
	}
	ids := stepIDs(p)
	if !contains(ids, "bootstrap-create-ton") || !contains(ids, "tact-check") {
		t.Fatalf("want bootstrap and tact-check steps, got %v", ids)
	}
	if contains(ids, "blueprint-build") {
		t.Fatalf("tact adapter should skip the optional blueprint-build step, got %v", ids)
	}
}

func TestPlanMixedLanguages(t *testing.T) {
	files := []File{
		{Path: "a.tact", Language: "tact"},
		{Path: "b.sol", Language: "solidity"},
	}
	p := Plan(files, ProfileFast)

	if p.Adapter != AdapterMixed {
		t.Fatalf("want mixed adapter, got %s", p.Adapter)
	}
	ids := stepIDs(p)
	if !contains(ids, "tact-check") || !contains(ids, "solidity-check") {
		t.Fatalf("want per-language check steps, got %v", ids)
	}
	for _, s := range p.Steps {
		if s.ID == "security-rules-scan" && !s.Optional {
			t.Fatal("want security-rules-scan optional in fast profile")
		}
	}
}

func TestPlanNoKnownLanguage(t *testing.T) {
	files := []File{{Path: "README.md", Language: ""}}
	p := Plan(files, ProfileDeep)

	if p.Adapter != AdapterNone {
		t.Fatalf("want none adapter, got %s", p.Adapter)
	}
	if len(p.Steps) != 0 {
		t.Fatalf("want no steps, got %v", p.Steps)
	}
	if len(p.UnsupportedReasons) == 0 {
		t.Fatal("want an unsupportedReasons entry")
	}
}
