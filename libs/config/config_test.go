package config

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("FIELDOPS_TEST_STRING", "  value ")
	if got := String("FIELDOPS_TEST_STRING", "x"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	t.Setenv("FIELDOPS_TEST_STRING", "   ")
	if got := String("FIELDOPS_TEST_STRING", "x"); got != "x" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
	if _, err := RequiredString("FIELDOPS_TEST_STRING"); err == nil {
		t.Fatalf("expected blank required value to fail")
	}
}

func TestPort(t *testing.T) {
	t.Setenv("FIELDOPS_TEST_PORT", "70000")
	if _, err := Port("FIELDOPS_TEST_PORT", "8080"); err == nil {
		t.Fatalf("expected out-of-range port to fail")
	}
	t.Setenv("FIELDOPS_TEST_PORT", "")
	if p, err := Port("FIELDOPS_TEST_PORT", "8080"); err != nil || p != "8080" {
		t.Fatalf("expected fallback port, got %q %v", p, err)
	}
}

func TestNumbers(t *testing.T) {
	t.Setenv("FIELDOPS_TEST_INT", "45")
	if n, err := Int("FIELDOPS_TEST_INT", 30); err != nil || n != 45 {
		t.Fatalf("expected 45, got %d %v", n, err)
	}
	t.Setenv("FIELDOPS_TEST_INT", "-1")
	if _, err := Int("FIELDOPS_TEST_INT", 30); err == nil {
		t.Fatalf("expected negative int to fail")
	}

	t.Setenv("FIELDOPS_TEST_SECONDS", "5")
	if d, err := Seconds("FIELDOPS_TEST_SECONDS", time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("expected 5s, got %v %v", d, err)
	}
	t.Setenv("FIELDOPS_TEST_DURATION", "90m")
	if d, err := Duration("FIELDOPS_TEST_DURATION", 0); err != nil || d != 90*time.Minute {
		t.Fatalf("expected 90m, got %v %v", d, err)
	}
	t.Setenv("FIELDOPS_TEST_DURATION", "soon")
	if _, err := Duration("FIELDOPS_TEST_DURATION", 0); err == nil {
		t.Fatalf("expected bad duration to fail")
	}

	t.Setenv("FIELDOPS_TEST_BOOL", "false")
	if b, err := Bool("FIELDOPS_TEST_BOOL", true); err != nil || b {
		t.Fatalf("expected false, got %v %v", b, err)
	}
}
