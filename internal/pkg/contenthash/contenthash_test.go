package contenthash

import (
	"testing"

	"github.com/yungbote/devicebridge/internal/domain"
)

func TestUID(t *testing.T) {
	a := UID("rec-123", domain.DeviceSLB)
	b := UID("rec-123", domain.DeviceSLB)
	if a != b {
		t.Fatalf("equal inputs must hash equal: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", a)
	}

	// Same vendor id under a different platform must diverge.
	if c := UID("rec-123", domain.DeviceBSP); c == a {
		t.Fatal("device type must salt the digest")
	}
	if d := UID("rec-124", domain.DeviceSLB); d == a {
		t.Fatal("different raw keys must not collide")
	}
}
