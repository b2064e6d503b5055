package manipulator

import (
	"fmt"
	"sort"
	"sync"

	"dsforge/internal/model"
)

// Factory builds a manipulator instance.
type Factory func() Manipulator

// Registry maps catalog names to implementations. The plan builder consults
// both the catalog (declaration) and the registry (code).
type Registry struct {
	mu  sync.RWMutex
	reg map[string]Factory
}

func NewRegistry() *Registry { return &Registry{reg: map[string]Factory{}} }

// Register panics on duplicate names; registration happens at start-up.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.reg[name]; dup {
		panic(fmt.Sprintf("manipulator: duplicate registration %q", name))
	}
	r.reg[name] = f
}

func (r *Registry) New(name string) (Manipulator, error) {
	r.mu.RLock()
	f, ok := r.reg[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("manipulator: unknown implementation %q", name)
	}
	return f(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.reg))
	for n := range r.reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Builtins returns a registry holding every shipped manipulator.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(KeepByClassName, func() Manipulator { return keepByClass{} })
	r.Register(RemoveByClassName, func() Manipulator { return removeByClass{} })
	r.Register(InvalidClassNameName, func() Manipulator { return invalidClassName{} })
	r.Register(FinalClassesName, func() Manipulator { return finalClasses{} })
	r.Register(RemapName, func() Manipulator { return remapClassName{} })
	r.Register(Rotate180Name, func() Manipulator { return rotate180{} })
	r.Register(CompressionName, func() Manipulator { return changeCompression{} })
	r.Register(MaskRegionName, func() Manipulator { return maskRegion{} })
	r.Register(ToYOLOName, func() Manipulator { return toYOLO{} })
	r.Register(ToCOCOName, func() Manipulator { return toCOCO{} })
	r.Register(VisDroneToCOCOName, func() Manipulator { return visDroneConvert{name: VisDroneToCOCOName, target: model.FormatCOCO} })
	r.Register(VisDroneToYOLOName, func() Manipulator { return visDroneConvert{name: VisDroneToYOLOName, target: model.FormatYOLO} })
	r.Register(SampleName, func() Manipulator { return sampleN{} })
	r.Register(MergeName, func() Manipulator { return mergeDatasets{} })
	r.Register(ShuffleName, func() Manipulator { return shuffleIDs{} })
	return r
}
