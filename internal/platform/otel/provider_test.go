package otel

import (
	"context"
	"testing"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("MEDMATE_OTEL_ENDPOINT", "")
	shutdown, err := Setup(context.Background(), "portal-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupDisabledExplicitly(t *testing.T) {
	t.Setenv("MEDMATE_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("MEDMATE_OTEL_ENABLED", "false")
	shutdown, err := Setup(context.Background(), "portal-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
