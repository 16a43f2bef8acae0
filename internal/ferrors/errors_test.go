package ferrors

import (
	"errors"
	"testing"
)

func TestFetchError_ErrorString(t *testing.T) {
	e := New(CategoryDecode, CodeBadIR, "bad batch ir")
	if got, want := e.Error(), "[DECODE:BAD_IR] bad batch ir"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	cause := errors.New("snappy: corrupt input")
	wrapped := Wrap(CategoryDecode, CodeBadIR, "bad batch ir", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("Wrap should preserve cause for errors.Is")
	}
}

func TestFetchError_IsMatchesCategoryAndCode(t *testing.T) {
	a := New(CategoryKvStore, CodeMultiGetFailed, "multiGet failed")
	b := New(CategoryKvStore, CodeMultiGetFailed, "different message, same code")
	c := New(CategoryTimeout, CodeDeadlineExceeded, "deadline exceeded")

	if !errors.Is(a, b) {
		t.Error("errors with the same category/code should match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors with different categories should not match")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewKvStore("multiGet failed", nil)) {
		t.Error("KvStore errors should be retryable")
	}
	if IsRetryable(NewTimeout("deadline exceeded")) {
		t.Error("Timeout errors should not be retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := NewBatchMissing("user_purchases")
	if got := GetCategory(err); got != CategoryBatchMissing {
		t.Errorf("GetCategory() = %v, want %v", got, CategoryBatchMissing)
	}
	if got := GetCode(err); got != CodeNoBatchResponse {
		t.Errorf("GetCode() = %v, want %v", got, CodeNoBatchResponse)
	}
	if got := GetCategory(errors.New("plain error")); got != "" {
		t.Errorf("GetCategory() on plain error = %v, want empty", got)
	}
}

func TestWithDetails(t *testing.T) {
	base := New(CategoryDecode, CodeBadIR, "bad ir")
	withDetails := base.WithDetails(map[string]interface{}{"dataset": "PURCHASES_BATCH"})

	if base.Details != nil {
		t.Error("WithDetails must not mutate the receiver")
	}
	if withDetails.Details["dataset"] != "PURCHASES_BATCH" {
		t.Error("WithDetails should attach the given details")
	}
}
