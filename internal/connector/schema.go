package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"consentgrid/internal/permission/metrics"
	id "consentgrid/pkg/domain"
)

// SchemaVersion is a request/response format an administrator accepts from
// ValidFrom onwards.
type SchemaVersion struct {
	Version   string    `yaml:"version"`
	ValidFrom time.Time `yaml:"valid_from"`
}

// SchemaResolver answers which version applies at an instant. It is immutable.
type SchemaResolver struct {
	versions []SchemaVersion
}

// NewSchemaResolver validates and orders versions.
func NewSchemaResolver(versions []SchemaVersion) (SchemaResolver, error) {
	if len(versions) == 0 {
		return SchemaResolver{}, fmt.Errorf("at least one schema version is required")
	}
	sorted := append([]SchemaVersion(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ValidFrom.Before(sorted[j].ValidFrom) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ValidFrom.Equal(sorted[i-1].ValidFrom) {
			return SchemaResolver{}, fmt.Errorf("schema versions %s and %s share a start date", sorted[i-1].Version, sorted[i].Version)
		}
	}
	return SchemaResolver{versions: sorted}, nil
}

// Active returns the newest version valid at now. Before the first ValidFrom
// the earliest version applies.
func (r SchemaResolver) Active(now time.Time) SchemaVersion {
	active := r.versions[0]
	for _, v := range r.versions[1:] {
		if v.ValidFrom.After(now) {
			break
		}
		active = v
	}
	return active
}

// NextSwitch returns the first ValidFrom after now.
func (r SchemaResolver) NextSwitch(now time.Time) (time.Time, bool) {
	for _, v := range r.versions {
		if v.ValidFrom.After(now) {
			return v.ValidFrom, true
		}
	}
	return time.Time{}, false
}

// ScheduledSchema holds the version a connector currently uses. Readers call
// Current; only Resolve, run by the scheduler, changes it.
type ScheduledSchema struct {
	connectorID id.ConnectorID
	resolver    SchemaResolver
	current     atomic.Pointer[SchemaVersion]
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewScheduledSchema resolves the version active at now.
func NewScheduledSchema(connectorID id.ConnectorID, resolver SchemaResolver, now time.Time, logger *slog.Logger, m *metrics.Metrics) *ScheduledSchema {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ScheduledSchema{connectorID: connectorID, resolver: resolver, logger: logger, metrics: m}
	v := resolver.Active(now)
	s.current.Store(&v)
	m.SetSchemaVersion(string(connectorID), "", v.Version)
	return s
}

// Current returns the version in force.
func (s *ScheduledSchema) Current() SchemaVersion {
	return *s.current.Load()
}

// Resolve re-evaluates the active version at now and reports whether it changed.
func (s *ScheduledSchema) Resolve(ctx context.Context, now time.Time) bool {
	next := s.resolver.Active(now)
	prev := s.current.Load()
	if prev.Version == next.Version {
		return false
	}
	s.current.Store(&next)
	s.metrics.SetSchemaVersion(string(s.connectorID), prev.Version, next.Version)
	s.logger.InfoContext(ctx, "connector schema version switched",
		"connector_id", string(s.connectorID),
		"from", prev.Version,
		"to", next.Version,
	)
	return true
}
