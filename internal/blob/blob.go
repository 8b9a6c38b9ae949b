// Package blob stores uploaded file bytes by content-addressed key.
//
// Keys have the form "ws_<workspace>/sha256_<hex>": the workspace prefix
// makes cross-tenant enumeration impossible, and content addressing makes
// Put idempotent for identical bytes.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key builds the storage key for a workspace and payload.
func Key(workspaceID string, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("ws_%s/sha256_%s", workspaceID, hex.EncodeToString(sum[:]))
}

// WorkspaceOf extracts the workspace id embedded in a storage key.
func WorkspaceOf(key string) string {
	rest, ok := strings.CutPrefix(key, "ws_")
	if !ok {
		return ""
	}
	ws, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return ws
}
