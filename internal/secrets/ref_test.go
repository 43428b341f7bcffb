package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("TOOLHUB_TEST_SECRET", "top-secret")

	got, err := LoadRef("env:TOOLHUB_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if got != "top-secret" {
		t.Fatalf("unexpected env secret: %q", got)
	}
}

func TestLoadRef_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if got != "file-secret" {
		t.Fatalf("unexpected file secret: %q", got)
	}
}

func TestLoadRef_RawKeepsWhitespace(t *testing.T) {
	got, err := LoadRef("raw: padded ")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if got != " padded " {
		t.Fatalf("unexpected raw secret: %q", got)
	}
}

func TestLoadRef_TrimsOnlyOutsideRaw(t *testing.T) {
	got, err := LoadRef("  raw:tab\t ")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if got != "tab\t " {
		t.Fatalf("unexpected raw secret: %q", got)
	}

	t.Setenv("TOOLHUB_TEST_SECRET_TRIM", "env-secret")
	got, err = LoadRef(" env: TOOLHUB_TEST_SECRET_TRIM \n")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if got != "env-secret" {
		t.Fatalf("unexpected env secret: %q", got)
	}

	if err := ValidateRef("raw:   "); err != nil {
		t.Fatalf("ValidateRef(raw whitespace): %v", err)
	}
}

func TestValidateRef_Invalid(t *testing.T) {
	for _, ref := range []string{"", "env:", "file:  ", "raw:", "vault:secret/x", "plain"} {
		if err := ValidateRef(ref); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("ValidateRef(%q): expected ErrSecretRef, got %v", ref, err)
		}
	}
}

func TestLoadRef_MissingEnv(t *testing.T) {
	_, err := LoadRef("env:TOOLHUB_TEST_SECRET_DOES_NOT_EXIST")
	if !errors.Is(err, ErrSecretRef) {
		t.Fatalf("expected ErrSecretRef, got %v", err)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("TOOLHUB_TEST_TOKEN", "tok")

	got, err := ResolveEnv(map[string]string{
		"TOKEN": "env:TOOLHUB_TEST_TOKEN",
		"MODE":  "raw:fast",
		"PLAIN": "literal value",
	})
	if err != nil {
		t.Fatalf("ResolveEnv: %v", err)
	}
	if strings.Join(got, ",") != "MODE=fast,PLAIN=literal value,TOKEN=tok" {
		t.Fatalf("unexpected env: %v", got)
	}

	_, err = ResolveEnv(map[string]string{"A": "env:TOOLHUB_MISSING_A", "B": "file:/nonexistent/toolhub-secret"})
	if err == nil || !strings.Contains(err.Error(), "A:") || !strings.Contains(err.Error(), "B:") {
		t.Fatalf("expected both keys reported, got %v", err)
	}
}

func TestIsRef(t *testing.T) {
	cases := map[string]bool{
		"env:X":        true,
		"file:/a":      true,
		"raw:v":        true,
		"vault:secret": false,
		"plain":        false,
		"http://x":     false,
	}
	for in, want := range cases {
		if got := IsRef(in); got != want {
			t.Fatalf("IsRef(%q) = %v, want %v", in, got, want)
		}
	}
}
