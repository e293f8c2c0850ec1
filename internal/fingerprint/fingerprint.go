// Package fingerprint derives stable identities for ephemeral UI elements.
// Elements are re-discovered from scratch on every screen visit and carry no
// platform-assigned ID, so identity is computed from the subset of snapshot
// fields that survive rescrapes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"voiceos/internal/types"
)

// fieldSep is the delimiter between identifying fields. The unit separator
// never occurs in accessibility text, so "A"+"BC" and "AB"+"C" cannot
// collide across a field boundary.
const fieldSep = "\x1f"

// absentSentinel replaces missing optional fields before hashing, so that
// presence/absence is itself part of the identity: an element without a
// resource id is never the same logical element as one with an empty-string
// resource id that later gains one.
const absentSentinel = "\x1e<absent>\x1e"

// Derive computes the stable fingerprint for a snapshot. Pure, deterministic,
// and total: it never errors, even on zero-valued snapshots.
//
// Identity covers (packageName, appVersion, resourceId?, className,
// ancestorPath, normalizedText?). Bounds, capabilities, and currentState are
// excluded: they change without the element's logical identity changing.
//
// appVersion is deliberately part of the hash: an app update re-fingerprints
// every element, and the stale records age out through the missed-scrape
// cascade. Carrying identities across version bumps would silently preserve
// ancestor paths and labels across layout redesigns, which corrupts learned
// statistics in a way the cascade can never repair.
func Derive(s types.ElementSnapshot) types.Fingerprint {
	var b strings.Builder

	b.WriteString(s.PackageName)
	b.WriteString(fieldSep)
	b.WriteString(s.AppVersion)
	b.WriteString(fieldSep)
	b.WriteString(optional(s.ResourceID))
	b.WriteString(fieldSep)
	b.WriteString(s.ClassName)
	b.WriteString(fieldSep)
	writeAncestorPath(&b, s.AncestorPath)
	b.WriteString(fieldSep)
	b.WriteString(optional(s.NormalizedText))

	sum := sha256.Sum256([]byte(b.String()))
	return types.Fingerprint(hex.EncodeToString(sum[:]))
}

func optional(v string) string {
	if v == "" {
		return absentSentinel
	}
	return v
}

func writeAncestorPath(b *strings.Builder, path []types.AncestorStep) {
	if len(path) == 0 {
		b.WriteString(absentSentinel)
		return
	}
	for i, step := range path {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(step.ClassName)
		b.WriteString("[")
		b.WriteString(strconv.Itoa(step.ChildIndex))
		b.WriteString("]")
	}
}
