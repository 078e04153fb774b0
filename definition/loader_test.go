package definition

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
id: order-flow
version: 1
name: Order Fulfillment
default_error_behavior: Suspend
timeout: 1h
steps:
  - step_id: validate
    name: Validate Order
    body: builtin.noop
    outcomes:
      - next_step: charge
  - step_id: charge
    name: Charge Card
    body: builtin.noop
    outcomes:
      - value: approved
        next_step: ship
  - step_id: ship
    name: Ship Order
    body: builtin.noop
    compensation_step_id: charge
`

func TestLoadYAML(t *testing.T) {
	def, err := LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}
	if def.ID != "order-flow" || def.Version != 1 {
		t.Errorf("ID/Version = %s/%d, want order-flow/1", def.ID, def.Version)
	}
	if len(def.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(def.Steps))
	}
	if def.Timeout.Hours() != 1 {
		t.Errorf("Timeout = %v, want 1h", def.Timeout)
	}
	ship, ok := def.StepByID("ship")
	if !ok || ship.CompensationStepID != "charge" {
		t.Errorf("ship step compensation_step_id = %q, want charge", ship.CompensationStepID)
	}
}

func TestLoadYAMLRejectsInvalidDefinition(t *testing.T) {
	_, err := LoadYAML([]byte(`
id: broken
steps:
  - step_id: only
    outcomes:
      - next_step: nowhere
`))
	if err == nil {
		t.Fatal("LoadYAML() should reject a definition with a dangling outcome reference")
	}
}

func TestLoadDirRegistersEveryDefinition(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "order.yaml"), []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a definition"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := New()
	if err := LoadDir(reg, dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	def, err := reg.Get("order-flow", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if def.Name != "Order Fulfillment" {
		t.Errorf("Name = %q", def.Name)
	}
}

func TestLoadDirSkipsNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := New()
	if err := LoadDir(reg, dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("LoadDir() registered %d definitions from a non-yaml file, want 0", len(reg.List()))
	}
}
