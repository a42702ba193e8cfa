package fi

import (
	"errors"
	"testing"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

func TestCompletionContextResolve(t *testing.T) {
	before := pendingContexts()
	ctx, err := newCompletionContext(42)
	if err != nil {
		t.Fatalf("newCompletionContext: %v", err)
	}
	if pendingContexts() != before+1 {
		t.Fatalf("expected context to be registered")
	}
	value, err := resolveCompletion(ctx.ptr)
	if err != nil {
		t.Fatalf("resolveCompletion: %v", err)
	}
	if value != 42 {
		t.Fatalf("unexpected value %v", value)
	}
	if _, err := resolveCompletion(ctx.ptr); !errors.Is(err, ErrContextUnknown) {
		t.Fatalf("second resolve should fail, got %v", err)
	}
	if pendingContexts() != before {
		t.Fatalf("context leaked in registry")
	}
}

func TestCompletionContextRelease(t *testing.T) {
	ctx, err := newCompletionContext("unposted")
	if err != nil {
		t.Fatalf("newCompletionContext: %v", err)
	}
	ptr := ctx.ptr
	ctx.release()
	ctx.release()
	if _, err := resolveCompletion(ptr); !errors.Is(err, ErrContextUnknown) {
		t.Fatalf("released context should not resolve, got %v", err)
	}
}

func TestAccessFlagsNormalization(t *testing.T) {
	if accessFlags(0) != 0 {
		t.Fatalf("no access should map to zero flags")
	}
	want := capi.AccessRead | capi.AccessWrite | capi.AccessRemoteRead | capi.AccessRemoteWrite
	if got := accessFlags(provider.AccessAll); got != want {
		t.Fatalf("accessFlags(AccessAll) = %#x, want %#x", got, want)
	}
}
