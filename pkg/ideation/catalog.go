package ideation

// Category is one entry in the fixed improvement catalog. The prompt is
// the canned brief handed to an ideating agent; the weight biases the
// round-robin rotation and starts uniform.
type Category struct {
	Tag    string
	Prompt string
	Weight int
}

// Catalog returns the fixed set of improvement categories the loop
// rotates over. Tags are stable identifiers; operators tune weights at
// runtime, never the set itself.
func Catalog() []Category {
	cats := []Category{
		{Tag: "refactoring", Prompt: "Find one tangled or duplicated area of the codebase and propose a focused refactor that reduces coupling without changing behavior."},
		{Tag: "test-coverage", Prompt: "Find a meaningful code path with weak or missing tests and propose a project that covers it, including edge cases."},
		{Tag: "documentation", Prompt: "Find a subsystem whose behavior is undocumented or whose docs have drifted from the code and propose bringing them in line."},
		{Tag: "performance", Prompt: "Find a measurable hot path and propose an optimization with a stated before/after metric."},
		{Tag: "error-handling", Prompt: "Find a code path that swallows, double-wraps, or misclassifies errors and propose making failures observable and actionable."},
		{Tag: "observability", Prompt: "Find an operation that is invisible in logs or metrics today and propose the instrumentation an operator would need at 3am."},
		{Tag: "security-hardening", Prompt: "Find an input boundary, credential flow, or permission check that could be tightened and propose the hardening work."},
		{Tag: "dependency-upgrades", Prompt: "Find an outdated or deprecated dependency and propose the upgrade, including the migration steps the changelog requires."},
		{Tag: "api-ergonomics", Prompt: "Find a public interface that forces awkward call sites and propose a cleaner shape with a compatibility path."},
		{Tag: "dead-code", Prompt: "Find unreachable, superseded, or feature-flagged-off code and propose its removal with evidence nothing depends on it."},
		{Tag: "concurrency-safety", Prompt: "Find shared state with unclear ownership or a lock held across a blocking call and propose making the invariant explicit."},
		{Tag: "resource-efficiency", Prompt: "Find a component that over-allocates, leaks, or holds resources longer than needed and propose the fix with a measurement."},
		{Tag: "configuration", Prompt: "Find a hard-coded value that operators need to tune, or a config knob nobody uses, and propose the cleanup."},
		{Tag: "developer-tooling", Prompt: "Find a repeated manual step in the development workflow and propose automating it."},
		{Tag: "ci-pipeline", Prompt: "Find a slow, flaky, or missing continuous-integration step and propose the pipeline improvement."},
		{Tag: "input-validation", Prompt: "Find an endpoint or parser that trusts its input and propose validation with precise error reporting."},
		{Tag: "resilience", Prompt: "Find an external call without a timeout, retry policy, or fallback and propose how the system should degrade."},
		{Tag: "data-integrity", Prompt: "Find a write path where partial failure can corrupt or orphan data and propose making it atomic or reconcilable."},
		{Tag: "code-style", Prompt: "Find an area that diverges from the project's established conventions and propose aligning it, mechanically where possible."},
		{Tag: "accessibility", Prompt: "Find user-facing output that assumes one locale, color scheme, or screen reader situation and propose widening it."},
		{Tag: "ux-polish", Prompt: "Find a rough edge in an operator-facing surface, a confusing message, default, or flow, and propose the polish."},
	}
	for i := range cats {
		cats[i].Weight = 1
	}
	return cats
}
