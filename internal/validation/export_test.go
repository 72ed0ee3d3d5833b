package validation

import "github.com/MrWong99/soundtrigger/pkg/soundtrigger"

// TrackedPhraseModels returns how many keyphrase models m keeps phrase ids for.
func TrackedPhraseModels(m soundtrigger.Module) int {
	vm := m.(*module)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.phrases)
}
