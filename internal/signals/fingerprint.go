package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Fingerprint computes sha256(business_id | signal_type | dimension_key),
// the stable identity of one detected signal across re-detection runs.
func Fingerprint(businessID, signalType, dimensionKey string) string {
	h := sha256.New()
	h.Write([]byte(businessID))
	h.Write([]byte{'|'})
	h.Write([]byte(signalType))
	h.Write([]byte{'|'})
	h.Write([]byte(dimensionKey))
	return hex.EncodeToString(h.Sum(nil))
}

// SignalID builds the "{signal_type}:{fingerprint}" primary key used across
// health_signal_states and every downstream reference to a signal.
func SignalID(signalType, fingerprint string) string {
	return signalType + ":" + fingerprint
}

var vendorSuffixPattern = regexp.MustCompile(`(?i)\s*(inc\.?|llc\.?|ltd\.?|corp\.?|co\.?)\s*$`)
var vendorPunctPattern = regexp.MustCompile(`[^a-z0-9 ]+`)
var vendorWhitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeVendor is the concrete dimension_key normalizer for every
// vendor-keyed detector, grounded on original_source/signals/v2.py's
// _normalize_vendor: lowercase, strip trailing payment-processor/company
// suffixes and punctuation, collapse whitespace.
func NormalizeVendor(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = vendorSuffixPattern.ReplaceAllString(v, "")
	v = vendorPunctPattern.ReplaceAllString(v, " ")
	v = vendorWhitespacePattern.ReplaceAllString(v, " ")
	return strings.TrimSpace(v)
}
