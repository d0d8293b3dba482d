package utils

import "strings"

// ParsePkgStr splits a package string of the form 'name@range' into name and
// version range. A missing range means "latest". The separator search skips
// the first byte so scoped names like '@scope/pkg@^1.0.0' parse correctly.
func ParsePkgStr(pkgStr string) (name, constraint string) {
	if len(pkgStr) > 1 {
		if i := strings.LastIndex(pkgStr[1:], "@"); i >= 0 {
			return pkgStr[:i+1], pkgStr[i+2:]
		}
	}
	return pkgStr, "latest"
}

// EncodeName makes a package name filesystem-safe by flattening the scope
// separator: '@scope/pkg' becomes '@scope+pkg'.
func EncodeName(name string) string {
	return strings.ReplaceAll(name, "/", "+")
}

// DecodeName is the inverse of EncodeName.
func DecodeName(encoded string) string {
	return strings.ReplaceAll(encoded, "+", "/")
}

// DirName returns the canonical directory name for a pinned package,
// 'name@version' with the name encoded.
func DirName(name, version string) string {
	return EncodeName(name) + "@" + version
}

// SplitDirName parses a directory name produced by DirName back into the
// package name and version. The boolean is false when the name has no
// version suffix.
func SplitDirName(dir string) (name, version string, ok bool) {
	i := strings.LastIndex(dir, "@")
	if i <= 0 {
		return "", "", false
	}
	return DecodeName(dir[:i]), dir[i+1:], true
}

// BinBaseName returns the default binary name for a package: the name
// itself, or the part after the scope for scoped packages.
func BinBaseName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
