package transport

type Manager struct {
	m map[string]Transport

	names []string
}

func NewManager(ts []Transport) *Manager {
	manager := &Manager{
		m:     make(map[string]Transport),
		names: make([]string, len(ts)),
	}
	for i, t := range ts {
		manager.m[t.Name()] = t
		manager.names[i] = t.Name()
	}

	return manager
}

func (m *Manager) Get(name string) (Transport, bool) {
	t, ok := m.m[name]
	return t, ok
}

// Upgradable lists the transports registered after name.
func (m *Manager) Upgradable(name string) []string {
	for i, v := range m.names {
		if v == name {
			return append([]string{}, m.names[i+1:]...)
		}
	}

	return []string{}
}

func (m *Manager) Names() []string {
	return append([]string{}, m.names...)
}
