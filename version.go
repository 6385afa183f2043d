// Package llmorchestrator provides version information for the llm-orchestrator
// module. The orchestration pipeline itself lives in the orchestrator package;
// cache, ratelimit, retry and batch hold the components it composes.
package llmorchestrator

// Version represents the current semantic version of the llm-orchestrator module.
//
// Pre-1.0: minor versions may contain breaking changes.
const Version = "0.1.0"

// VersionInfo holds version metadata
type VersionInfo struct {
	// Version contains the semantic version string
	Version string

	// Name contains the canonical module name
	Name string
}

// GetVersion returns structured version information.
//
// Usage:
//
//	info := GetVersion()
//	log.Printf("Using %s version %s", info.Name, info.Version)
func GetVersion() VersionInfo {
	return VersionInfo{
		Version: Version,
		Name:    "llm-orchestrator",
	}
}
