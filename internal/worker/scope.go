package worker

// Scope is the namespace bootstrap fragments write into. In flat mode
// everything lands in one Scope; in module mode each dependency owns a child
// module and the entry reaches them through Import or Resolve.
type Scope struct {
	values  map[string]any
	modules []*module
}

type module struct {
	name  string
	scope *Scope
}

func newScope() *Scope {
	return &Scope{values: make(map[string]any)}
}

func (s *Scope) addModule(name string) *Scope {
	child := newScope()
	s.modules = append(s.modules, &module{name: name, scope: child})
	return child
}

// Set defines name in this scope, replacing an earlier definition.
func (s *Scope) Set(name string, v any) {
	s.values[name] = v
}

// Get returns a value defined directly in this scope.
func (s *Scope) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Import returns the module loaded for the named dependency.
func (s *Scope) Import(dep string) (*Scope, bool) {
	for _, m := range s.modules {
		if m.name == dep {
			return m.scope, true
		}
	}
	return nil, false
}

// Resolve looks name up in this scope and then in imported modules, in
// load order.
func (s *Scope) Resolve(name string) (any, bool) {
	if v, ok := s.values[name]; ok {
		return v, true
	}
	for _, m := range s.modules {
		if v, ok := m.scope.Resolve(name); ok {
			return v, true
		}
	}
	return nil, false
}
