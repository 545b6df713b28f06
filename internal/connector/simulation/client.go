// Package simulation is an in-memory administrator. It backs the default
// wiring and tests; responses can be scripted per permission request.
package simulation

import (
	"context"
	"sync"
	"time"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
)

// ConnectorID is the ID the simulated administrator registers under.
const ConnectorID id.ConnectorID = "sim"

// Descriptor returns the default registration for the simulated administrator.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:          ConnectorID,
		Country:     "AQ",
		MaxSpanDays: 184,
		AutoAccept:  true,
		Schemas: []connector.SchemaVersion{
			{Version: "v1", ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
}

// Script controls how the administrator answers one permission request.
type Script struct {
	SendErr  error
	Decision connector.Decision
	// PollErrs are returned by successive PollData calls before data flows.
	PollErrs []error
}

// PollCall records one PollData invocation.
type PollCall struct {
	PermissionID id.PermissionID
	From, To     time.Time
}

// Client is the simulated administrator.
type Client struct {
	mu       sync.Mutex
	scripts  map[id.PermissionID]*Script
	fallback connector.Decision
	sent     []id.PermissionID
	polls    []PollCall
}

// New constructs a Client that accepts every request unless scripted otherwise.
func New() *Client {
	return &Client{
		scripts:  make(map[id.PermissionID]*Script),
		fallback: connector.Decision{Outcome: connector.OutcomeAccepted},
	}
}

// Script replaces the behaviour for one permission request.
func (c *Client) Script(pid id.PermissionID, s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := s
	copied.PollErrs = append([]error(nil), s.PollErrs...)
	c.scripts[pid] = &copied
}

// SetDefaultDecision sets the answer for unscripted requests.
func (c *Client) SetDefaultDecision(d connector.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = d
}

func (c *Client) SendRequest(ctx context.Context, req *models.PermissionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scripts[req.PermissionID]; ok && s.SendErr != nil {
		return s.SendErr
	}
	c.sent = append(c.sent, req.PermissionID)
	return nil
}

func (c *Client) FetchDecision(ctx context.Context, req *models.PermissionRequest) (connector.Decision, error) {
	if err := ctx.Err(); err != nil {
		return connector.Decision{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scripts[req.PermissionID]; ok && s.Decision.Outcome != "" {
		return s.Decision, nil
	}
	return c.fallback, nil
}

func (c *Client) PollData(ctx context.Context, req *models.PermissionRequest, from, to time.Time) (connector.Payload, error) {
	if err := ctx.Err(); err != nil {
		return connector.Payload{}, err
	}
	c.mu.Lock()
	c.polls = append(c.polls, PollCall{PermissionID: req.PermissionID, From: from, To: to})
	if s, ok := c.scripts[req.PermissionID]; ok && len(s.PollErrs) > 0 {
		err := s.PollErrs[0]
		s.PollErrs = s.PollErrs[1:]
		c.mu.Unlock()
		return connector.Payload{}, err
	}
	c.mu.Unlock()
	return dailyReadings(req.MeteringPointID, from, to), nil
}

// Sent returns the permission IDs forwarded so far.
func (c *Client) Sent() []id.PermissionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]id.PermissionID(nil), c.sent...)
}

// Polls returns every PollData call so far.
func (c *Client) Polls() []PollCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PollCall(nil), c.polls...)
}

// dailyReadings fabricates one reading per started day in [from, to).
func dailyReadings(meteringPoint string, from, to time.Time) connector.Payload {
	var p connector.Payload
	for t := from; t.Before(to); t = t.AddDate(0, 0, 1) {
		p.Readings = append(p.Readings, connector.Reading{
			MeteringPointID: meteringPoint,
			Start:           t,
			Value:           float64(t.YearDay()%24) + 0.5,
			Unit:            "kWh",
		})
	}
	return p
}
