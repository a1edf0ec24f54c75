package workspace

import (
	"path"
	"strings"

	"github.com/devbench-ai/devbench/internal/apperr"
)

// ContainPath validates a client path against the workspace root without
// touching the container. Literal ".." segments are rejected outright,
// relative paths are anchored at the root, and the normalized result must
// stay under the root. Symlink escapes are caught later, in-container.
func ContainPath(root, p string) (string, error) {
	if p == "" {
		return "", apperr.New(apperr.CodeInvalidArgument, "path must not be empty")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperr.New(apperr.CodePathViolation, "path %s contains a '..' segment", p)
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(root, p)
	}
	clean := path.Clean(p)
	if clean != root && !strings.HasPrefix(clean, root+"/") {
		return "", apperr.New(apperr.CodePathViolation, "path %s is outside the workspace", p)
	}
	return clean, nil
}

// containEntryName validates a tar entry name: relative, normalized, no
// parent traversal. Returns the cleaned relative path.
func containEntryName(name string) (string, error) {
	if name == "" {
		return "", apperr.New(apperr.CodeInvalidArgument, "archive entry with empty name")
	}
	if strings.HasPrefix(name, "/") {
		return "", apperr.New(apperr.CodePathViolation, "archive entry %s has an absolute name", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperr.New(apperr.CodePathViolation, "archive entry %s escapes the destination", name)
	}
	return clean, nil
}

// containLinkTarget validates a symlink or hardlink target inside an
// archive. Absolute targets are rejected; relative targets must stay under
// the archive root when resolved against the entry's directory.
func containLinkTarget(entryName, target string) error {
	if target == "" {
		return apperr.New(apperr.CodeInvalidArgument, "archive entry %s has an empty link target", entryName)
	}
	if strings.HasPrefix(target, "/") {
		return apperr.New(apperr.CodePathViolation,
			"archive entry %s links to absolute target %s", entryName, target)
	}
	resolved := path.Join(path.Dir(entryName), target)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return apperr.New(apperr.CodePathViolation,
			"archive entry %s links outside the destination via %s", entryName, target)
	}
	return nil
}
