package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/carewizard/model"
)

func testDefs() []model.WizardDefinition {
	return []model.WizardDefinition{
		{ID: "provider.application", Name: "Provider", Checksum: "abc123"},
		{ID: "plan.signup", Name: "Plan", Checksum: "def456"},
	}
}

func TestRegistry_GetWizard(t *testing.T) {
	r := NewRegistry(testDefs())

	w, ok := r.GetWizard("plan.signup")
	if !ok {
		t.Fatal("GetWizard(plan.signup) not found")
	}
	if w.Name != "Plan" {
		t.Errorf("Name = %q, want Plan", w.Name)
	}

	if _, ok := r.GetWizard("unknown"); ok {
		t.Error("GetWizard(unknown) should not be found")
	}
}

func TestRegistry_AllWizards_sorted(t *testing.T) {
	r := NewRegistry(testDefs())
	all := r.AllWizards()
	if len(all) != 2 {
		t.Fatalf("AllWizards() = %d, want 2", len(all))
	}
	if all[0].ID != "plan.signup" || all[1].ID != "provider.application" {
		t.Errorf("AllWizards() order = %s, %s", all[0].ID, all[1].ID)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_Checksum_order_independent(t *testing.T) {
	defs := testDefs()
	a := NewRegistry(defs)
	b := NewRegistry([]model.WizardDefinition{defs[1], defs[0]})
	if a.Checksum() != b.Checksum() {
		t.Error("checksum should not depend on definition order")
	}
	if a.Checksum() == "" {
		t.Error("checksum should not be empty")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefs())
	before := r.Checksum()

	r.Replace([]model.WizardDefinition{{ID: "clinic.intake", Checksum: "zzz"}})

	if r.Len() != 1 {
		t.Errorf("Len() after Replace = %d, want 1", r.Len())
	}
	if _, ok := r.GetWizard("plan.signup"); ok {
		t.Error("old wizard should be gone after Replace")
	}
	if r.Checksum() == before {
		t.Error("checksum should change after Replace")
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.GetWizard("plan.signup")
			r.AllWizards()
		}()
		go func() {
			defer wg.Done()
			r.Replace(testDefs())
		}()
	}
	wg.Wait()

	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}
