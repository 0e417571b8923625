// Package policy gates which commands and tools may run.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

// CheckCommandAllowed permits commandPath when the allowlist is empty or an
// entry equals it or is one of its parent paths ("tx" allows "tx status").
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == path || strings.HasPrefix(path, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckToolAllowed applies the same rule to dotted tool ids, where "token"
// allows "token.swap" and "token.quote".
func CheckToolAllowed(allowlist []string, toolID string) error {
	if len(allowlist) == 0 {
		return nil
	}
	id := strings.ToLower(strings.TrimSpace(toolID))
	for _, allowed := range allowlist {
		entry := strings.ToLower(strings.TrimSpace(allowed))
		if entry == id || strings.HasPrefix(id, entry+".") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("tool %s blocked by --enable-tools policy", toolID))
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(v))), " ")
}
