package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

func noopHandler() interfaces.Handler {
	return interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		return nil, nil
	})
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("email", noopHandler()); err != nil {
		t.Fatal(err)
	}

	if !r.Has("email") {
		t.Error("Has(email) = false after Register")
	}
	if _, err := r.Resolve("email"); err != nil {
		t.Errorf("Resolve(email) failed: %v", err)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	if !errors.Is(err, models.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("email", noopHandler()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("email", noopHandler()); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestRegistryRejectsEmptyArgs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", noopHandler()); err == nil {
		t.Error("empty type should be rejected")
	}
	if err := r.Register("email", nil); err == nil {
		t.Error("nil handler should be rejected")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"image", "email", "cleanup"} {
		if err := r.Register(name, noopHandler()); err != nil {
			t.Fatal(err)
		}
	}
	types := r.Types()
	want := []string{"cleanup", "email", "image"}
	if len(types) != len(want) {
		t.Fatalf("Types() = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("Types() = %v, want %v", types, want)
		}
	}
}
