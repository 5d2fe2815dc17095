package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestSecret(t *testing.T) {
	a, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(a) != 43 {
		t.Fatalf("expected 43 chars for 32 bytes, got %d", len(a))
	}
	b, _ := Secret(32)
	if a == b {
		t.Fatal("two secrets collided")
	}
	if _, err := Secret(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}
