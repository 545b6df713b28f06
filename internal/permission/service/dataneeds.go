package service

import (
	"sort"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
)

// Catalog is the fixed set of data needs requests may refer to.
type Catalog struct {
	needs map[id.DataNeedID]models.DataNeed
}

func NewCatalog(needs ...models.DataNeed) *Catalog {
	c := &Catalog{needs: make(map[id.DataNeedID]models.DataNeed, len(needs))}
	for _, n := range needs {
		c.needs[n.ID] = n
	}
	return c
}

// DataNeed returns the need with the given ID.
func (c *Catalog) DataNeed(needID id.DataNeedID) (models.DataNeed, bool) {
	n, ok := c.needs[needID]
	return n, ok
}

// All returns every need, ordered by ID.
func (c *Catalog) All() []models.DataNeed {
	out := make([]models.DataNeed, 0, len(c.needs))
	for _, n := range c.needs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
