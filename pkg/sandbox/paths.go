package sandbox

import (
	"path"
	"strings"
)

// WorkspaceRoot is the directory project files live under inside a sandbox.
const WorkspaceRoot = "/workspace"

var excludedDirs = map[string]struct{}{
	"node_modules": {},
	"__pycache__":  {},
	".git":         {},
	".venv":        {},
	"venv":         {},
	"dist":         {},
	"build":        {},
	".next":        {},
}

var excludedExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".ico": {}, ".svg": {},
	".pyc": {}, ".so": {}, ".zip": {}, ".tar": {}, ".gz": {}, ".lock": {},
}

// CleanPath normalizes a path to be relative to WorkspaceRoot.
// "/workspace/a", "workspace/a", "/a" and "a" all become "a".
func CleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(p, "/")
	root := strings.TrimPrefix(WorkspaceRoot, "/")
	if p == root {
		return ""
	}
	p = strings.TrimPrefix(p, root+"/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// AbsPath returns the absolute in-sandbox path for a workspace relative path.
func AbsPath(p string) string {
	return path.Join(WorkspaceRoot, CleanPath(p))
}

// ShouldExcludeFile reports whether a workspace path should be skipped by file
// tools: dotfiles, dependency and build directories, and binary assets.
func ShouldExcludeFile(p string) bool {
	clean := CleanPath(p)
	if clean == "" {
		return false
	}
	parts := strings.Split(clean, "/")
	for _, part := range parts[:len(parts)-1] {
		if _, ok := excludedDirs[part]; ok {
			return true
		}
	}
	base := parts[len(parts)-1]
	if strings.HasPrefix(base, ".") {
		return true
	}
	if _, ok := excludedDirs[base]; ok {
		return true
	}
	_, ok := excludedExts[strings.ToLower(path.Ext(base))]
	return ok
}
