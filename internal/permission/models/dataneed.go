package models

import (
	"time"

	id "consentgrid/pkg/domain"
)

// DataNeed describes what data a permission request may ask for. MaxDuration
// bounds the requested window; zero leaves it to the connector.
type DataNeed struct {
	ID            id.DataNeedID `yaml:"id"`
	Description   string        `yaml:"description"`
	Granularities []Granularity `yaml:"granularities"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	Enabled       bool          `yaml:"enabled"`
}

// Allows reports whether g is among the need's granularities. An empty list
// allows everything.
func (d DataNeed) Allows(g Granularity) bool {
	if len(d.Granularities) == 0 {
		return true
	}
	for _, allowed := range d.Granularities {
		if allowed == g {
			return true
		}
	}
	return false
}
