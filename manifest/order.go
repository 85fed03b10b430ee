package manifest

// LoadOrder computes a topological order over modules by depends-on:
// producers before consumers. The tie-break is deterministic: among modules
// with no remaining unsatisfied dependency, the one declared earliest in the
// manifest is emitted first, so a given manifest always yields the same
// load order.
//
// A cycle here is a defensive re-check (Validate should already have
// rejected it) and is fatal.
func (m *Manifest) LoadOrder() ([]string, error) {
	index := make(map[string]int, len(m.Modules))
	for i, mod := range m.Modules {
		index[mod.ID] = i
	}

	emitted := make([]bool, len(m.Modules))
	order := make([]string, 0, len(m.Modules))

	for len(order) < len(m.Modules) {
		progressed := false

		for i, mod := range m.Modules {
			if emitted[i] {
				continue
			}
			ready := true
			for _, dep := range mod.DependsOn {
				j, ok := index[dep]
				if !ok || !emitted[j] {
					ready = false
					break
				}
			}
			if ready {
				emitted[i] = true
				order = append(order, mod.ID)
				progressed = true
				break
			}
		}

		if !progressed {
			var members []string
			for i, mod := range m.Modules {
				if !emitted[i] {
					members = append(members, mod.ID)
				}
			}
			return nil, &CycleError{Members: members}
		}
	}

	return order, nil
}
