package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/carewizard/model"
)

// snapshot is an immutable collection of wizard definitions indexed by ID.
type snapshot struct {
	wizards  map[string]model.WizardDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WizardDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Sessions already running keep the definition
// they captured through its checksum.
func (r *Registry) Replace(defs []model.WizardDefinition) {
	s := &snapshot{
		wizards: make(map[string]model.WizardDefinition, len(defs)),
	}

	checksumParts := make([]string, 0, len(defs))
	for _, def := range defs {
		s.wizards[def.ID] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWizard returns the wizard definition with the given ID.
func (r *Registry) GetWizard(wizardID string) (model.WizardDefinition, bool) {
	w, ok := r.current().wizards[wizardID]
	return w, ok
}

// AllWizards returns all wizard definitions sorted by ID.
func (r *Registry) AllWizards() []model.WizardDefinition {
	s := r.current()
	defs := make([]model.WizardDefinition, 0, len(s.wizards))
	for _, w := range s.wizards {
		defs = append(defs, w)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of loaded wizards.
func (r *Registry) Len() int {
	return len(r.current().wizards)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
