package phi

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// signatureKeys is the whitelist of raw_data keys that participate in a
// pattern signature. The projection deliberately excludes volatile
// fields (timestamps, hostnames, free-form detail text) so that
// logically identical incidents hash identically across hosts and time.
var signatureKeys = []string{
	"actual",
	"check",
	"check_type",
	"drift_detected",
	"expected",
	"platform",
}

// Signature computes the 16-hex-char pattern signature that groups
// logically identical incidents for the data flywheel.
func Signature(incidentType, severity string, rawData map[string]interface{}) string {
	parts := []string{
		"type=" + incidentType,
		"severity=" + severity,
	}

	keys := make([]string, len(signatureKeys))
	copy(keys, signatureKeys)
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := rawData[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum[:8])
}
