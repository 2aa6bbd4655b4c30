package apperrors

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKind(t *testing.T) {
	err := Kind(ErrNotFound, "backup %s not found", "abc")
	if err.Error() != "backup abc not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrIntegrity) {
		t.Error("did not expect errors.Is(err, ErrIntegrity)")
	}

	wrapped := fmt.Errorf("get backup: %w", err)
	if !IsNotFound(wrapped) {
		t.Error("expected wrapped error to remain not-found")
	}
}

func TestIntegrityError(t *testing.T) {
	err := &IntegrityError{Resource: "backup 1", Checks: []string{"size mismatch", "checksum mismatch"}}
	if !IsIntegrity(err) {
		t.Error("expected IsIntegrity")
	}
	want := "backup 1: integrity check failed: size mismatch; checksum mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var ie *IntegrityError
	if !errors.As(fmt.Errorf("verify: %w", err), &ie) {
		t.Fatal("expected errors.As to find IntegrityError")
	}
	if len(ie.Checks) != 2 {
		t.Errorf("Checks = %v", ie.Checks)
	}
}

func TestTransient(t *testing.T) {
	if Transient("copy", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	err := Transient("copy artifact", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrTransient) {
		t.Error("expected ErrTransient")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected cause to be preserved")
	}
	if err.Error() != "copy artifact: unexpected EOF" {
		t.Errorf("Error() = %q", err.Error())
	}
}
