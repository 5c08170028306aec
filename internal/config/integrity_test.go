package config

import (
	"strings"
	"testing"
)

func TestVerifyIntegrityWithoutManifestWarns(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "store:\n  root: /x\n")

	result, err := VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Passed {
		t.Fatalf("expected Passed=true, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "config lock") {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestVerifyIntegrityAllValid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "store:\n  root: /x\n")
	if _, err := Lock(path, false); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Passed || len(result.Warnings) > 0 {
		t.Errorf("expected clean pass, got %+v", result)
	}
}

func TestVerifyIntegrityMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  root: /x\n")
	if _, err := Lock(path, false); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "store:\n  root: /changed\n")

	result, err := VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Fatal("expected Passed=false after modification")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "hash mismatch") {
		t.Errorf("error should mention hash mismatch, got: %v", result.Errors)
	}
}
