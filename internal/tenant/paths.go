package tenant

import (
	"path"
	"strings"
)

// DefaultPublicPaths never require a tenant.
var DefaultPublicPaths = []string{"/health", "/readiness", "/version", "/metrics"}

// IsPublicPath reports whether requestPath is one of publicPaths or below
// one of them. Encoded separators never match and the path is cleaned first,
// so /health/../sync/pull is not public.
func IsPublicPath(requestPath string, publicPaths []string) bool {
	lowerPath := strings.ToLower(requestPath)
	if strings.Contains(lowerPath, "%2f") || strings.Contains(lowerPath, "%2e") {
		return false
	}

	cleanPath := path.Clean("/" + requestPath)

	for _, publicPath := range publicPaths {
		cleanPublicPath := path.Clean("/" + publicPath)
		if cleanPublicPath == "/" {
			return true
		}
		if cleanPath == cleanPublicPath || strings.HasPrefix(cleanPath, cleanPublicPath+"/") {
			return true
		}
	}
	return false
}
