package saga

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry holds the saga templates this process can execute, keyed by
// saga type. It is populated at process start and injected into the
// engine, there is no package global.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*SagaTemplate
}

// Make an empty template registry.
func MakeRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*SagaTemplate),
	}
}

// Register stores a template keyed by its saga type. Registering the
// same type again replaces the prior template, which is how hot
// redeploys work. In-flight instances are not versioned, so a
// replacement template must stay backward compatible with instances
// started under the previous shape.
func (r *Registry) Register(tmpl *SagaTemplate) error {
	if tmpl == nil {
		return fmt.Errorf("cannot register a nil template")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[tmpl.sagaType]; exists {
		log.Infof("Replacing registered saga template %s", tmpl.sagaType)
	}
	r.templates[tmpl.sagaType] = tmpl
	return nil
}

// Get returns the template registered for sagaType, or an
// UnknownSagaTypeError if there is none.
func (r *Registry) Get(sagaType string) (*SagaTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[sagaType]
	if !ok {
		return nil, NewUnknownSagaTypeError(sagaType)
	}
	return tmpl, nil
}

// SagaTypes returns the registered saga types in sorted order.
func (r *Registry) SagaTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.templates))
	for sagaType := range r.templates {
		types = append(types, sagaType)
	}
	sort.Strings(types)
	return types
}
