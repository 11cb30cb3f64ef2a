package config

import "os"

// featureFlagSpec describes one feature flag: its env var name and its
// config-level default (used when the env var is unset).
type featureFlagSpec struct {
	envVar  string
	dflt    bool
	assign  func(*FeatureFlags, bool)
}

var featureFlagSpecs = []featureFlagSpec{
	{"FEATURE_MODULE_ROUTER", true, func(f *FeatureFlags, v bool) { f.ModuleRouter = v }},
	{"FEATURE_BM25_SEARCH", true, func(f *FeatureFlags, v bool) { f.BM25Search = v }},
	{"FEATURE_SCHEMA_LINKER", true, func(f *FeatureFlags, v bool) { f.SchemaLinker = v }},
	{"FEATURE_GLOSSES", true, func(f *FeatureFlags, v bool) { f.Glosses = v }},
	{"FEATURE_JOIN_PLANNER", true, func(f *FeatureFlags, v bool) { f.JoinPlanner = v }},
	{"FEATURE_RERANKER", true, func(f *FeatureFlags, v bool) { f.Reranker = v }},
	{"FEATURE_VALUE_VERIFICATION", false, func(f *FeatureFlags, v bool) { f.ValueVerification = v }},
}

// loadFeatureFlags resolves each flag from its env var when present,
// falling back to the config default otherwise. Per spec §6, boolean env
// values are parsed with exact-case "true"/"false" semantics: any other
// value (including a differently-cased "True") is treated as unset and
// the default is used, rather than silently coercing to false.
func loadFeatureFlags() FeatureFlags {
	var flags FeatureFlags
	for _, spec := range featureFlagSpecs {
		value := spec.dflt
		if raw, ok := os.LookupEnv(spec.envVar); ok {
			switch raw {
			case "true":
				value = true
			case "false":
				value = false
			}
		}
		spec.assign(&flags, value)
	}
	return flags
}
