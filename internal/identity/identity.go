// Package identity derives the stable identifiers used on the bus: node ids,
// device guids and safe id fragments.
package identity

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// Unknown is the node id used when none is configured or discoverable.
const Unknown = "unknown"

// CmdlinePath holds the kernel command line the hardware serial is read from.
const CmdlinePath = "/proc/cmdline"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// SafeID strips every character outside [a-zA-Z0-9-_.].
func SafeID(input string) string {
	return unsafeChars.ReplaceAllString(input, "")
}

// Hash returns the first ten hex characters of the SHA-1 of value. It names
// things; it is not a security primitive.
func Hash(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:10]
}

// GUID is the bus identifier of a device with the given natural id.
func GUID(idType, id string) string {
	return Hash(idType + "." + SafeID(id))
}

// NodeID returns configured when set, otherwise the hardware serial from the
// kernel command line, otherwise Unknown.
func NodeID(fs afero.Fs, configured string) string {
	if configured != "" {
		return configured
	}
	if serial := SerialNumber(fs); serial != "" {
		return serial
	}
	return Unknown
}

// SerialNumber reads hwserial= from the kernel command line and returns its
// first 16 hex digits as unpadded base32, or "" when there is none.
func SerialNumber(fs afero.Fs) string {
	raw, err := afero.ReadFile(fs, CmdlinePath)
	if err != nil {
		return ""
	}
	_, after, found := strings.Cut(string(raw), "hwserial=")
	if !found {
		return ""
	}
	after = strings.TrimSpace(after)
	if i := strings.IndexAny(after, " \t\n"); i >= 0 {
		after = after[:i]
	}
	if len(after) > 16 {
		after = after[:16]
	}
	b, err := hex.DecodeString(after)
	if err != nil || len(b) == 0 {
		return ""
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}
