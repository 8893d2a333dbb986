package sha256

import (
	"strings"
	"testing"
)

func TestDigestDeterministic(t *testing.T) {
	t.Parallel()

	got := Digest("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Digest("hello world"); again != got {
		t.Fatalf("expected deterministic digest, got %s vs %s", got, again)
	}
}

func TestKeyHidesSecret(t *testing.T) {
	t.Parallel()

	key := Key("fleet:token:", "super-secret")
	if !strings.HasPrefix(key, "fleet:token:") {
		t.Fatalf("expected prefix, got %s", key)
	}
	if strings.Contains(key, "super-secret") {
		t.Fatalf("key leaks the secret: %s", key)
	}
	if Key("fleet:token:", "other") == key {
		t.Fatal("expected distinct secrets to produce distinct keys")
	}
}
