package handlers

import (
	"testing"

	"github.com/pkg/errors"
)

func TestRecoverableError(t *testing.T) {
	var err error
	err = NewRecoverableError("this is a test %s", "of the Emergency Broadcast System")

	// Verify that we got the expected error message.
	if err.Error() != "this is a test of the Emergency Broadcast System" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	// Verify that the error is classified correctly.
	if !IsRecoverable(err) {
		t.Errorf("a RecoverableError wasn't classified as recoverable")
	}

	// The type must be distinct from an unrecoverable error.
	if _, ok := err.(UnrecoverableError); ok {
		t.Errorf("the error appears to be an UnrecoverableError")
	}
}

func TestUnrecoverableError(t *testing.T) {
	var err error
	err = NewUnrecoverableError("testing %s %s", "check", "1...2...3")

	// Verify that we got the expected error message.
	if err.Error() != "testing check 1...2...3" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	// Verify that the error is classified correctly.
	if IsRecoverable(err) {
		t.Errorf("an UnrecoverableError was classified as recoverable")
	}
}

func TestIsRecoverablePlainError(t *testing.T) {
	// Errors without an explicit classification are not requeued.
	if IsRecoverable(errors.New("something unexpected")) {
		t.Errorf("a plain error was classified as recoverable")
	}
}
