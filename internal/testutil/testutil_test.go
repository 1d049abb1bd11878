package testutil

import (
	"errors"
	"net/http"
	"os"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertStatusCode_Mismatch(t *testing.T) {
	t.Parallel()

	// A zero testing.T records the failure without ending the goroutine,
	// since AssertStatusCode reports through Errorf rather than Fatalf.
	fake := &testing.T{}
	AssertStatusCode(fake, http.StatusOK, http.StatusBadRequest)
	if !fake.Failed() {
		t.Error("expected mismatched status code to mark the test failed")
	}
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()

	AssertError(t, errors.New("test error"))
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := WriteFile(t, dir, "fixture.pgm", []byte("P5\n2 2\n255\nabcd"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture back: %v", err)
	}
	if string(data) != "P5\n2 2\n255\nabcd" {
		t.Errorf("fixture content = %q, want the written bytes", data)
	}
}
