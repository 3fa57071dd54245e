package connector

import (
	"strconv"
	"strings"

	"github.com/hivebot/orchestrator/pkg/types"
)

// MaxClientIDLen is the length the Exchange Adapter contract promises to
// tolerate.
const MaxClientIDLen = 64

// MakeClientID composes the wire client-id format
// "<name>-<pair>-<buy|sell>-<counter>". Internal hyphens in name are
// replaced by underscores so the owning strategy can always be recovered by
// trimming the trailing pair/side/counter segments; the pair's own
// BASE-QUOTE hyphen is left intact.
func MakeClientID(name, pair string, side types.OrderSide, counter int64) string {
	escapedName := strings.ReplaceAll(strings.ToLower(name), "-", "_")
	suffix := "-" + strings.ToLower(pair) + "-" + string(side) + "-" + strconv.FormatInt(counter, 10)
	if maxName := MaxClientIDLen - len(suffix); len(escapedName) > maxName {
		escapedName = escapedName[:maxName]
	}
	return escapedName + suffix
}

// ParseOwner recovers the owning strategy name from a client_id by trimming
// the trailing pair (two hyphen-joined tokens), side, and counter segments.
// Returns ok=false if clientID does not have the expected shape (e.g. it
// originated outside the core).
func ParseOwner(clientID string) (name string, ok bool) {
	parts := strings.Split(clientID, "-")
	if len(parts) < 5 {
		return "", false
	}
	nameParts := parts[:len(parts)-4]
	if len(nameParts) == 0 {
		return "", false
	}
	return strings.Join(nameParts, "-"), true
}
