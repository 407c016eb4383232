package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("VINE_TEST_STR", "  hello  ")
	if got := EnvString("VINE_TEST_STR", "def"); got != "hello" {
		t.Fatalf("EnvString=%q want=%q", got, "hello")
	}
	if got := EnvString("VINE_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default=%q want=%q", got, "def")
	}
}

func TestEnvStringSlice(t *testing.T) {
	t.Setenv("VINE_TEST_SLICE", "a, b ,,c")
	got := EnvStringSlice("VINE_TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("EnvStringSlice=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("EnvStringSlice[%d]=%q want=%q", i, got[i], want[i])
		}
	}

	def := []string{"x"}
	if got := EnvStringSlice("VINE_TEST_SLICE_MISSING", def); len(got) != 1 || got[0] != "x" {
		t.Fatalf("EnvStringSlice default=%v want=%v", got, def)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("VINE_TEST_DUR", "2s")
	if got := EnvDuration("VINE_TEST_DUR", time.Second); got != 2*time.Second {
		t.Fatalf("EnvDuration=%v want=2s", got)
	}
	t.Setenv("VINE_TEST_DUR", "nonsense")
	if got := EnvDuration("VINE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration bad value=%v want default", got)
	}
	t.Setenv("VINE_TEST_DUR", "-1s")
	if got := EnvDuration("VINE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration negative=%v want default", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("VINE_TEST_INT", "42")
	if got := EnvInt("VINE_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt=%d want=42", got)
	}
	t.Setenv("VINE_TEST_INT", "-3")
	if got := EnvInt("VINE_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative=%d want default", got)
	}
}
