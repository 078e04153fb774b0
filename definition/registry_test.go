package definition

import (
	"testing"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/model"
)

func simpleDef(id string, version int) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:      id,
		Version: version,
		Steps: []model.WorkflowStep{
			{StepID: "s1", Name: "first"},
		},
	}
}

func TestRegisterAndGetByExactVersion(t *testing.T) {
	r := New()
	def := simpleDef("order-flow", 1)
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, err := r.Get("order-flow", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != def {
		t.Error("Get() did not return the registered definition")
	}
}

func TestGetZeroVersionResolvesHighest(t *testing.T) {
	r := New()
	_ = r.Register(simpleDef("order-flow", 1))
	_ = r.Register(simpleDef("order-flow", 2))
	_ = r.Register(simpleDef("order-flow", 3))

	got, err := r.Get("order-flow", 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 3 {
		t.Errorf("Get(0) resolved version %d, want 3", got.Version)
	}
}

func TestRegisterRejectsDuplicateIDAndVersion(t *testing.T) {
	r := New()
	if err := r.Register(simpleDef("order-flow", 1)); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := r.Register(simpleDef("order-flow", 1))
	if err == nil {
		t.Fatal("second Register() with same (id, version) should fail")
	}
	if !werrors.IsKind(err, model.ErrKindInvalidWorkflowDefinition) {
		t.Errorf("error kind = %v, want InvalidWorkflowDefinition", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("missing", 1)
	if !werrors.IsKind(err, model.ErrKindWorkflowDefinitionNotFound) {
		t.Errorf("error kind = %v, want WorkflowDefinitionNotFound", err)
	}
}

func TestListOrdersByIDThenVersion(t *testing.T) {
	r := New()
	_ = r.Register(simpleDef("b-flow", 1))
	_ = r.Register(simpleDef("a-flow", 2))
	_ = r.Register(simpleDef("a-flow", 1))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d definitions, want 3", len(list))
	}
	want := []struct {
		id      string
		version int
	}{
		{"a-flow", 1},
		{"a-flow", 2},
		{"b-flow", 1},
	}
	for i, w := range want {
		if list[i].ID != w.id || list[i].Version != w.version {
			t.Errorf("List()[%d] = (%s, %d), want (%s, %d)", i, list[i].ID, list[i].Version, w.id, w.version)
		}
	}
}
