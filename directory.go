package airouter

// Directory is an immutable view of the provider pool. Reloads build a new
// Directory and swap it in; routing decisions in flight keep the view they
// started with.
type Directory struct {
	configs []ProviderConfig
	byID    map[string]ProviderConfig
}

// NewDirectory builds a Directory from provider configs. The configs are
// normalized and validated the same way ParseProviders does, so a
// hand-built slice gets the same treatment as one loaded from JSON.
func NewDirectory(cfgs []ProviderConfig) (*Directory, error) {
	normalized, err := normalizeProviders(cfgs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]ProviderConfig, len(normalized))
	for _, c := range normalized {
		byID[c.ID] = c
	}
	return &Directory{configs: normalized, byID: byID}, nil
}

// Providers returns the pool in configuration order.
func (d *Directory) Providers() []ProviderConfig {
	out := make([]ProviderConfig, len(d.configs))
	copy(out, d.configs)
	return out
}

// Get returns the config for a provider id.
func (d *Directory) Get(id string) (ProviderConfig, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// IDs returns all provider ids in configuration order.
func (d *Directory) IDs() []string {
	ids := make([]string, len(d.configs))
	for i, c := range d.configs {
		ids[i] = c.ID
	}
	return ids
}

// Reserve returns the reserve provider, if one is configured and enabled.
func (d *Directory) Reserve() (ProviderConfig, bool) {
	for _, c := range d.configs {
		if c.Reserve && c.Enabled {
			return c, true
		}
	}
	return ProviderConfig{}, false
}

// Primaries returns the enabled non-reserve providers.
func (d *Directory) Primaries() []ProviderConfig {
	var out []ProviderConfig
	for _, c := range d.configs {
		if c.Enabled && !c.Reserve {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of configured providers.
func (d *Directory) Len() int {
	return len(d.configs)
}
