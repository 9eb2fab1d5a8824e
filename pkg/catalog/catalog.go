// Package catalog holds the persisted domain model: connections, jobs,
// destinations, and operator settings, together with the file-backed store
// that owns the single catalogue document.
package catalog

// Catalog is the root of the persisted document.
type Catalog struct {
	Connections []Connection `json:"connections"`
	Jobs        []Job        `json:"jobs"`
	Settings    Settings     `json:"settings"`
}

// Clone returns a deep copy safe to hand out to callers while the store
// keeps mutating the original.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{
		Connections: make([]Connection, len(c.Connections)),
		Jobs:        make([]Job, len(c.Jobs)),
		Settings:    c.Settings.clone(),
	}
	copy(out.Connections, c.Connections)
	for i := range c.Jobs {
		out.Jobs[i] = c.Jobs[i].clone()
	}
	return out
}
