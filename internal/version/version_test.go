package version

import (
	"strings"
	"testing"
)

func TestStringIncludesVersion(t *testing.T) {
	Version = "1.2.3"
	t.Cleanup(func() { Version = "dev" })

	if got := String(); !strings.HasPrefix(got, "spotwatch 1.2.3 (") {
		t.Fatalf("unexpected version string %q", got)
	}
}
