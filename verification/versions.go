package verification

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Connection headers carrying plugin build metadata.
const (
	HeaderPluginVersion  = "X-Plugin-Version"
	HeaderPluginRevision = "X-Plugin-Revision"
	HeaderRuntimeVersion = "X-Runtime-Version"
)

// pluginVersionPattern is the strict three-component version format with an
// optional pre-release suffix.
var pluginVersionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-SNAPSHOT|-dev)?$`)

var numericVersionPattern = regexp.MustCompile(`^[\d.]+$`)

// PluginVersions is the build metadata a client reports at connection time.
type PluginVersions struct {
	Version        string
	Revision       string
	RuntimeVersion string
}

// VersionsFromHeader extracts plugin build metadata from connection headers.
// Returns false if the version or revision header is absent.
func VersionsFromHeader(h http.Header) (PluginVersions, bool) {
	pv := PluginVersions{
		Version:        h.Get(HeaderPluginVersion),
		Revision:       h.Get(HeaderPluginRevision),
		RuntimeVersion: h.Get(HeaderRuntimeVersion),
	}
	if pv.Version == "" || pv.Revision == "" {
		return PluginVersions{}, false
	}
	return pv, true
}

// CompareVersions compares dotted version numbers that may have up to four
// parts (major.minor.patch.build). Missing parts compare as zero. Returns a
// negative number if a is older than b, positive if newer, zero if equal.
func CompareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	n := len(partsA)
	if len(partsB) > n {
		n = len(partsB)
	}

	for i := 0; i < n; i++ {
		var numA, numB int
		if i < len(partsA) {
			numA, _ = strconv.Atoi(partsA[i])
		}
		if i < len(partsB) {
			numB, _ = strconv.Atoi(partsB[i])
		}
		if numA != numB {
			return numA - numB
		}
	}

	return 0
}

// VerifyRuntimeVersion checks that a client's embedded runtime version is at
// least minVersion. An empty minVersion accepts everything. Known prefixes
// and suffixes added by the plugin or the runtime's own pre-release builds
// are stripped before comparison.
func VerifyRuntimeVersion(version, minVersion string) bool {
	if minVersion == "" {
		return true
	}
	if version == "" {
		return false
	}

	clean := strings.TrimPrefix(version, "runelite-")
	clean = strings.TrimSuffix(clean, "-dev")

	// The runtime may append its own suffixes (e.g. -SNAPSHOT).
	if idx := strings.Index(clean, "-"); idx >= 0 {
		clean = clean[:idx]
	}

	if !numericVersionPattern.MatchString(clean) || !numericVersionPattern.MatchString(minVersion) {
		return false
	}

	return CompareVersions(clean, minVersion) >= 0
}

// VerifyRevision checks that a build revision is in the allow-list. An empty
// allow-list accepts everything. Revisions are trimmed at the first colon,
// which separates the commit from local build metadata.
func VerifyRevision(allowed map[string]struct{}, revision string) bool {
	if len(allowed) == 0 {
		return true
	}
	if revision == "" {
		return false
	}

	clean, _, _ := strings.Cut(revision, ":")
	_, ok := allowed[clean]
	return ok
}

// VerifyPluginVersion checks the plugin's own version string against the
// strict three-component pattern.
func VerifyPluginVersion(version string) bool {
	return pluginVersionPattern.MatchString(version)
}
