package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteAddressForLegacyClient(t *testing.T) {
	cases := []struct {
		name    string
		address string
		want    GlobRewriteResult
	}{
		{"plain address passes through", "db.internal.example.com", GlobRewriteResult{Address: "db.internal.example.com"}},
		{"leading double-star becomes single-star", "**.internal.example.com", GlobRewriteResult{Address: "*.internal.example.com"}},
		{"leading single-star stays as-is", "*.internal.example.com", GlobRewriteResult{Address: "*.internal.example.com"}},
		{"leading question mark stays as-is", "?.internal.example.com", GlobRewriteResult{Address: "?.internal.example.com"}},
		{"non-leading glob is omitted", "db.*.example.com", GlobRewriteResult{Omit: true}},
		{"glob embedded in leading label is omitted", "us-east?-db.example.com", GlobRewriteResult{Omit: true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := RewriteAddressForLegacyClient(c.address)
			assert.Equal(t, c.want, got)
		})
	}
}
