package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublicPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		requestPath string
		publicPaths []string
		want        bool
	}{
		{name: "exact match", requestPath: "/health", publicPaths: DefaultPublicPaths, want: true},
		{name: "subpath", requestPath: "/metrics/extra", publicPaths: DefaultPublicPaths, want: true},
		{name: "prefix without separator", requestPath: "/healthz", publicPaths: DefaultPublicPaths, want: false},
		{name: "sync route", requestPath: "/sync/pull/lojas", publicPaths: DefaultPublicPaths, want: false},
		{name: "traversal is cleaned", requestPath: "/health/../sync/push", publicPaths: DefaultPublicPaths, want: false},
		{name: "encoded slash", requestPath: "/health%2F..%2Fsync", publicPaths: DefaultPublicPaths, want: false},
		{name: "encoded dot", requestPath: "/health/%2e%2e/sync", publicPaths: DefaultPublicPaths, want: false},
		{name: "root public path", requestPath: "/anything", publicPaths: []string{"/"}, want: true},
		{name: "no public paths", requestPath: "/health", publicPaths: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPublicPath(tt.requestPath, tt.publicPaths))
		})
	}
}
