package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is what the permission steps need from the scenario state.
type TestContext interface {
	Do(method, path string, body any, headers map[string]string) error
	ResponseField(field string) (any, error)
	ResponseList() ([]map[string]any, error)
	LastStatus() int
	PermissionID() string
	AccessToken() string
	Secret() string
	SetPermission(permissionID, accessToken string)
}

// RegisterSteps registers the permission lifecycle step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &permissionSteps{tc: tc}

	ctx.Step(`^I request permission for connector "([^"]*)" and data need "([^"]*)" covering the last (\d+) days$`, steps.requestPermission)
	ctx.Step(`^I request permission for connector "([^"]*)" without a metering point$`, steps.requestWithoutMeteringPoint)
	ctx.Step(`^the permission should reach status "([^"]*)" within (\d+) seconds$`, steps.shouldReachStatus)
	ctx.Step(`^I fetch the permission with its access token$`, steps.fetchWithToken)
	ctx.Step(`^I fetch the permission without a token$`, steps.fetchWithoutToken)
	ctx.Step(`^I list the permission events$`, steps.listEvents)
	ctx.Step(`^the events should include "([^"]*)"$`, steps.eventsInclude)
	ctx.Step(`^I terminate the permission$`, steps.terminate)
	ctx.Step(`^the administrator revokes the permission$`, steps.revoke)
	ctx.Step(`^the administrator calls "([^"]*)" without the secret$`, steps.webhookWithoutSecret)
}

type permissionSteps struct {
	tc TestContext
}

func (s *permissionSteps) create(body map[string]any) error {
	if err := s.tc.Do("POST", "/permission-requests", body, nil); err != nil {
		return err
	}
	pid, err := s.tc.ResponseField("permissionId")
	if err != nil {
		return nil
	}
	token, _ := s.tc.ResponseField("accessToken")
	s.tc.SetPermission(fmt.Sprint(pid), fmt.Sprint(token))
	return nil
}

func (s *permissionSteps) requestPermission(_ context.Context, connectorID, dataNeedID string, days int) error {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	return s.create(map[string]any{
		"connectionId":    fmt.Sprintf("e2e-%d", time.Now().UnixNano()),
		"dataNeedId":      dataNeedID,
		"connectorId":     connectorID,
		"meteringPointId": "AT0010000000000000001000000000001",
		"granularity":     "P1D",
		"start":           end.AddDate(0, 0, -days),
		"end":             end,
	})
}

func (s *permissionSteps) requestWithoutMeteringPoint(_ context.Context, connectorID string) error {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	return s.create(map[string]any{
		"connectionId": fmt.Sprintf("e2e-%d", time.Now().UnixNano()),
		"dataNeedId":   "hourly-year",
		"connectorId":  connectorID,
		"granularity":  "P1D",
		"start":        end.AddDate(0, 0, -7),
		"end":          end,
	})
}

func (s *permissionSteps) shouldReachStatus(_ context.Context, want string, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var last any
	for time.Now().Before(deadline) {
		if err := s.tc.Do("GET", "/permission-status/"+s.tc.PermissionID(), nil, nil); err != nil {
			return err
		}
		if s.tc.LastStatus() == 200 {
			last, _ = s.tc.ResponseField("status")
			if fmt.Sprint(last) == want {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("permission %s: expected status %s, last saw %v", s.tc.PermissionID(), want, last)
}

func (s *permissionSteps) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.tc.AccessToken()}
}

func (s *permissionSteps) admin() map[string]string {
	return map[string]string{"X-Webhook-Secret": s.tc.Secret()}
}

func (s *permissionSteps) fetchWithToken(context.Context) error {
	return s.tc.Do("GET", "/permission-requests/"+s.tc.PermissionID(), nil, s.bearer())
}

func (s *permissionSteps) fetchWithoutToken(context.Context) error {
	return s.tc.Do("GET", "/permission-requests/"+s.tc.PermissionID(), nil, nil)
}

func (s *permissionSteps) listEvents(context.Context) error {
	return s.tc.Do("GET", "/permission-requests/"+s.tc.PermissionID()+"/events", nil, s.bearer())
}

func (s *permissionSteps) eventsInclude(_ context.Context, eventType string) error {
	events, err := s.tc.ResponseList()
	if err != nil {
		return err
	}
	for _, e := range events {
		if fmt.Sprint(e["type"]) == eventType {
			return nil
		}
	}
	return fmt.Errorf("no %s event among %d", eventType, len(events))
}

func (s *permissionSteps) terminate(context.Context) error {
	return s.tc.Do("PATCH", "/permission-requests/"+s.tc.PermissionID()+"/terminate",
		map[string]string{"reason": "e2e"}, s.bearer())
}

func (s *permissionSteps) revoke(context.Context) error {
	return s.tc.Do("PATCH", "/permission-requests/"+s.tc.PermissionID()+"/revoke",
		map[string]string{"reason": "customer revoked at the administrator"}, s.admin())
}

func (s *permissionSteps) webhookWithoutSecret(_ context.Context, outcome string) error {
	return s.tc.Do("POST", "/permission-requests/"+s.tc.PermissionID()+"/"+outcome, nil, nil)
}
