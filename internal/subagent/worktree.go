package subagent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// allocateWorktreeDir reserves a directory for a sub-agent's isolated
// working copy. This is the narrow contract spec §4.5 asks for: a
// uniquely-named directory under base, created eagerly so two concurrent
// sub-agents never collide, with no attempt at managing the underlying
// version-control worktree itself (that stays the Exec Runner's concern,
// driven by whatever commands the sub-agent's task issues).
func allocateWorktreeDir(base, name string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("worktree base directory is required")
	}
	slug := sanitizeName(name)
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", slug, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func sanitizeName(name string) string {
	if name == "" {
		return "subagent"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
