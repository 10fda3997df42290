// Package planner implements the sandbox step planner (C6): from a file
// set and profile, emit a deterministic plan of sandbox steps.
package planner

import (
	"strings"
	"time"
)

// Adapter is the strategy family selected for a file set.
type Adapter string

const (
	AdapterBlueprint Adapter = "blueprint"
	AdapterTact      Adapter = "tact"
	AdapterFuncFift  Adapter = "func-fift"
	AdapterSolidity  Adapter = "solidity"
	AdapterRust      Adapter = "rust"
	AdapterMixed     Adapter = "mixed"
	AdapterNone      Adapter = "none"
)

// BootstrapMode selects how the sandbox seeds a workspace before running
// steps.
type BootstrapMode string

const (
	BootstrapNone       BootstrapMode = "none"
	BootstrapCreateTon  BootstrapMode = "create-ton"
)

// Profile mirrors auditrun.Profile without importing it, keeping the
// planner free of a dependency on the audit-run lifecycle.
type Profile string

const (
	ProfileFast Profile = "fast"
	ProfileDeep Profile = "deep"
)

// Timeouts fixed by §4.6.
const (
	buildTimeout             = 8 * time.Minute
	bootstrapTimeout         = 3 * time.Minute
	securityScanTimeout      = 2 * time.Minute
	optionalBlueprintTimeout = 90 * time.Second
)

// Step is one ordered unit of sandbox work.
type Step struct {
	ID        string
	Action    string
	Optional  bool
	TimeoutMs int64
}

// Plan is the deterministic output of the planner for one file set.
type Plan struct {
	Adapter           Adapter
	Languages         []string
	BootstrapMode     BootstrapMode
	SeedTemplate      string
	Steps             []Step
	UnsupportedReasons []string
}

// File is the minimal shape the planner needs from a revision file.
type File struct {
	Path     string
	Language string
}

const blueprintConfig = "blueprint.config.ts"

// Plan builds a deterministic plan for files under profile, applying the
// first-matching-rule order from §4.6.
func Plan(files []File, profile Profile) Plan {
	if hasBlueprintConfig(files) {
		return blueprintPlan(profile)
	}

	languages := distinctKnownLanguages(files)
	switch len(languages) {
	case 0:
		return Plan{Adapter: AdapterNone, UnsupportedReasons: []string{"no known language detected"}}
	case 1:
		return singleLanguagePlan(languages[0], profile)
	default:
		return mixedPlan(languages, profile)
	}
}

func hasBlueprintConfig(files []File) bool {
	for _, f := range files {
		if f.Path == blueprintConfig {
			return true
		}
		if strings.HasSuffix(f.Path, "package.json") && strings.Contains(f.Language, "blueprint") {
			return true
		}
	}
	return false
}

// HasBlueprintDependency reports whether a package.json's raw content
// declares a @ton/blueprint dependency or script entry. Exposed
// separately since it needs the file's bytes, not just its language tag.
func HasBlueprintDependency(packageJSON string) bool {
	return strings.Contains(packageJSON, `"@ton/blueprint"`) || strings.Contains(packageJSON, `"blueprint"`)
}

func blueprintPlan(profile Profile) Plan {
	steps := []Step{
		{ID: "blueprint-build", Action: "blueprint-build", TimeoutMs: ms(buildTimeout)},
		{ID: "blueprint-test", Action: "blueprint-test", Optional: profile == ProfileFast, TimeoutMs: ms(optionalBlueprintTimeout)},
		{ID: "security-surface-scan", Action: "security-surface-scan", TimeoutMs: ms(securityScanTimeout)},
		{ID: "security-rules-scan", Action: "security-rules-scan", Optional: profile == ProfileFast, TimeoutMs: ms(securityScanTimeout)},
	}
	return Plan{Adapter: AdapterBlueprint, BootstrapMode: BootstrapNone, Steps: steps}
}

// knownLanguages maps a planner-relevant language tag to its adapter and
// whether its per-language check step targets Tact specifically (which
// skips the optional Blueprint-build step per §4.6 rule 2).
var knownLanguages = map[string]struct {
	adapter      Adapter
	seedTemplate string
	isTact       bool
}{
	"tact":      {AdapterTact, "tact-default", true},
	"func-fift": {AdapterFuncFift, "func-fift-default", false},
	"solidity":  {AdapterSolidity, "solidity-default", false},
	"rust":      {AdapterRust, "rust-default", false},
}

func distinctKnownLanguages(files []File) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		if _, ok := knownLanguages[f.Language]; ok && !seen[f.Language] {
			seen[f.Language] = true
			out = append(out, f.Language)
		}
	}
	return out
}

func singleLanguagePlan(language string, profile Profile) Plan {
	meta := knownLanguages[language]
	steps := []Step{
		{ID: "bootstrap-create-ton", Action: "bootstrap-create-ton", TimeoutMs: ms(bootstrapTimeout)},
		{ID: language + "-check", Action: language + "-check", TimeoutMs: ms(buildTimeout)},
	}
	if !meta.isTact {
		steps = append(steps, Step{ID: "blueprint-build", Action: "blueprint-build", Optional: true, TimeoutMs: ms(optionalBlueprintTimeout)})
	}
	steps = append(steps,
		Step{ID: "security-surface-scan", Action: "security-surface-scan", TimeoutMs: ms(securityScanTimeout)},
		Step{ID: "security-rules-scan", Action: "security-rules-scan", Optional: profile == ProfileFast, TimeoutMs: ms(securityScanTimeout)},
	)
	return Plan{
		Adapter:       meta.adapter,
		Languages:     []string{language},
		BootstrapMode: BootstrapCreateTon,
		SeedTemplate:  meta.seedTemplate,
		Steps:         steps,
	}
}

func mixedPlan(languages []string, profile Profile) Plan {
	steps := []Step{
		{ID: "bootstrap-create-ton", Action: "bootstrap-create-ton", TimeoutMs: ms(bootstrapTimeout)},
	}
	for _, lang := range languages {
		steps = append(steps, Step{ID: lang + "-check", Action: lang + "-check", TimeoutMs: ms(buildTimeout)})
	}
	steps = append(steps,
		Step{ID: "blueprint-build", Action: "blueprint-build", Optional: true, TimeoutMs: ms(optionalBlueprintTimeout)},
		Step{ID: "security-surface-scan", Action: "security-surface-scan", TimeoutMs: ms(securityScanTimeout)},
		Step{ID: "security-rules-scan", Action: "security-rules-scan", Optional: profile == ProfileFast, TimeoutMs: ms(securityScanTimeout)},
	)
	return Plan{
		Adapter:       AdapterMixed,
		Languages:     languages,
		BootstrapMode: BootstrapCreateTon,
		SeedTemplate:  dominantSeedTemplate(languages),
		Steps:         steps,
	}
}

// dominantSeedTemplate picks the first known language's seed template in
// a stable, declared priority order (tact favored, as it is the TON
// platform's primary language).
func dominantSeedTemplate(languages []string) string {
	priority := []string{"tact", "func-fift", "solidity", "rust"}
	present := make(map[string]bool, len(languages))
	for _, l := range languages {
		present[l] = true
	}
	for _, p := range priority {
		if present[p] {
			return knownLanguages[p].seedTemplate
		}
	}
	return ""
}

func ms(d time.Duration) int64 { return d.Milliseconds() }
