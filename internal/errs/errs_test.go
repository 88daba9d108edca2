package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrappedSentinelsStayComparable(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("%w: set code: %w", ErrTransientStorage, cause)

	if !errors.Is(err, ErrTransientStorage) {
		t.Fatalf("expected ErrTransientStorage in %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in %v", err)
	}
	if errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("storage failure must not read as a wrong code")
	}
}
