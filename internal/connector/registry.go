package connector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/statemachine"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
)

type entry struct {
	descriptor Descriptor
	client     Client
	machine    *statemachine.Machine
	schema     *ScheduledSchema
}

// Registry resolves connectors by ID. Registration happens during wiring;
// lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[id.ConnectorID]entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[id.ConnectorID]entry)}
}

// Register adds a connector and builds its state machine.
func (r *Registry) Register(d Descriptor, client Client) error {
	if d.ID == "" {
		return fmt.Errorf("connector id is required")
	}
	if client == nil {
		return fmt.Errorf("connector %s: client is required", d.ID)
	}
	if d.MaxSpanDays < 0 {
		return fmt.Errorf("connector %s: max span must not be negative", d.ID)
	}
	overrides := d.Overrides
	if d.NoAcknowledgement {
		overrides = overrides.Merge(statemachine.NoAcknowledgement())
	}
	machine, err := statemachine.New(d.ID, overrides)
	if err != nil {
		return err
	}
	if len(d.Schemas) > 0 {
		if _, err := NewSchemaResolver(d.Schemas); err != nil {
			return fmt.Errorf("connector %s: %w", d.ID, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.ID]; exists {
		return fmt.Errorf("connector %s already registered", d.ID)
	}
	r.entries[d.ID] = entry{descriptor: d, client: client, machine: machine}
	return nil
}

func (r *Registry) lookup(connectorID id.ConnectorID) (entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectorID]
	if !ok {
		return entry{}, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("unknown connector %q", connectorID))
	}
	return e, nil
}

// Descriptor returns the connector's configuration.
func (r *Registry) Descriptor(connectorID id.ConnectorID) (Descriptor, error) {
	e, err := r.lookup(connectorID)
	return e.descriptor, err
}

// Client returns the connector's administrator client.
func (r *Registry) Client(connectorID id.ConnectorID) (Client, error) {
	e, err := r.lookup(connectorID)
	return e.client, err
}

// Machine returns the connector's state machine.
func (r *Registry) Machine(connectorID id.ConnectorID) (*statemachine.Machine, error) {
	e, err := r.lookup(connectorID)
	return e.machine, err
}

// Descriptors lists every registered connector, ordered by ID.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScheduleSchemas builds the scheduled schema of every connector that
// declares versions, resolved at now. The returned schemas are what the
// schema-resolve job re-evaluates.
func (r *Registry) ScheduleSchemas(now time.Time, logger *slog.Logger, m *metrics.Metrics) []*ScheduledSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ScheduledSchema
	for cid, e := range r.entries {
		if len(e.descriptor.Schemas) == 0 {
			continue
		}
		if e.schema == nil {
			// Versions were validated in Register.
			resolver, _ := NewSchemaResolver(e.descriptor.Schemas)
			e.schema = NewScheduledSchema(cid, resolver, now, logger, m)
			r.entries[cid] = e
		}
		out = append(out, e.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connectorID < out[j].connectorID })
	return out
}

// SchemaVersion returns the schema version connectorID currently uses, or
// "" when it has none scheduled.
func (r *Registry) SchemaVersion(connectorID id.ConnectorID) string {
	e, err := r.lookup(connectorID)
	if err != nil || e.schema == nil {
		return ""
	}
	return e.schema.Current().Version
}
