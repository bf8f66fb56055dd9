// Package pathvalidate implements the format-only path validation policy
// adopted for sandboxd: the core trusts container isolation and rejects
// only malformed input, never specific paths or prefixes.
package pathvalidate

import (
	"strings"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/constants"
)

// Validate rejects a path value on format grounds only: embedded null bytes
// or a length exceeding constants.MaxPathLength. It never inspects the path
// against an allowlist or denylist.
func Validate(path string) *apperr.AppError {
	if strings.ContainsRune(path, '\x00') {
		return apperr.New(apperr.CodeInvalidPath, "path contains a null byte")
	}
	if len(path) > constants.MaxPathLength {
		return apperr.New(apperr.CodeInvalidPath, "path exceeds maximum length")
	}
	return nil
}
