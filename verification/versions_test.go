package verification

import (
	"net/http"
	"testing"
)

// TestVerifyPluginVersion covers the strict three-component format and its
// permitted pre-release suffixes.
func TestVerifyPluginVersion(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.0.0", true},
		{"0.12.3", true},
		{"3.2.1-SNAPSHOT", true},
		{"3.2.1-dev", true},
		{"1.0", false},
		{"1.0.0.0", false},
		{"1.0.0-beta", false},
		{"v1.0.0", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := VerifyPluginVersion(tc.version); got != tc.want {
			t.Errorf("VerifyPluginVersion(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}

// TestCompareVersions covers ordering with mismatched part counts.
func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		sign int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.10.0", "1.9.9", 1},
		{"2.0.0.1", "2.0.0", 1},
		{"1.11.13", "1.11.13.1", -1},
	}
	for _, tc := range cases {
		got := CompareVersions(tc.a, tc.b)
		switch {
		case tc.sign == 0 && got != 0:
			t.Errorf("CompareVersions(%q, %q) = %d, want 0", tc.a, tc.b, got)
		case tc.sign < 0 && got >= 0:
			t.Errorf("CompareVersions(%q, %q) = %d, want negative", tc.a, tc.b, got)
		case tc.sign > 0 && got <= 0:
			t.Errorf("CompareVersions(%q, %q) = %d, want positive", tc.a, tc.b, got)
		}
	}
}

// TestVerifyRuntimeVersion covers prefix/suffix stripping and the empty
// minimum accepting everything.
func TestVerifyRuntimeVersion(t *testing.T) {
	cases := []struct {
		name       string
		version    string
		minVersion string
		want       bool
	}{
		{"no minimum", "anything", "", true},
		{"empty version with minimum", "", "1.11.13", false},
		{"plain meets minimum", "1.11.13", "1.11.13", true},
		{"plain below minimum", "1.11.12", "1.11.13", false},
		{"launcher prefix stripped", "runelite-1.11.14", "1.11.13", true},
		{"dev suffix stripped", "1.11.14-dev", "1.11.13", true},
		{"snapshot suffix stripped", "1.11.14-SNAPSHOT", "1.11.13", true},
		{"prefix and suffix", "runelite-1.11.13-SNAPSHOT", "1.11.13", true},
		{"non-numeric remainder", "custom-build", "1.11.13", false},
		{"four part version", "1.11.13.1", "1.11.13", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyRuntimeVersion(tc.version, tc.minVersion); got != tc.want {
				t.Errorf("VerifyRuntimeVersion(%q, %q) = %v, want %v",
					tc.version, tc.minVersion, got, tc.want)
			}
		})
	}
}

// TestVerifyRevision covers the allow-list and the colon-delimited local
// build metadata.
func TestVerifyRevision(t *testing.T) {
	allowed := map[string]struct{}{
		"abc123": {},
		"def456": {},
	}
	cases := []struct {
		name     string
		allowed  map[string]struct{}
		revision string
		want     bool
	}{
		{"empty allow-list accepts all", nil, "whatever", true},
		{"listed", allowed, "abc123", true},
		{"listed with local metadata", allowed, "abc123:dirty", true},
		{"unlisted", allowed, "zzz999", false},
		{"empty revision", allowed, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyRevision(tc.allowed, tc.revision); got != tc.want {
				t.Errorf("VerifyRevision(%q) = %v, want %v", tc.revision, got, tc.want)
			}
		})
	}
}

// TestVersionsFromHeader verifies extraction and the required-header rule.
func TestVersionsFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPluginVersion, "1.2.3")
	h.Set(HeaderPluginRevision, "abc123")
	h.Set(HeaderRuntimeVersion, "1.11.13")

	pv, ok := VersionsFromHeader(h)
	if !ok {
		t.Fatal("expected headers to be accepted")
	}
	if pv.Version != "1.2.3" || pv.Revision != "abc123" || pv.RuntimeVersion != "1.11.13" {
		t.Errorf("unexpected versions: %+v", pv)
	}

	missing := http.Header{}
	missing.Set(HeaderPluginVersion, "1.2.3")
	if _, ok := VersionsFromHeader(missing); ok {
		t.Error("missing revision header should be rejected")
	}

	// Runtime version alone is optional.
	optional := http.Header{}
	optional.Set(HeaderPluginVersion, "1.2.3")
	optional.Set(HeaderPluginRevision, "abc123")
	if pv, ok := VersionsFromHeader(optional); !ok || pv.RuntimeVersion != "" {
		t.Errorf("runtime version should be optional, got ok=%v pv=%+v", ok, pv)
	}
}
