package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 500; i++ {
		id := New("lot")
		if !strings.HasPrefix(id, "lot-") {
			t.Fatalf("missing prefix: %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
