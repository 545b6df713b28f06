package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is what the rate limit steps need from the scenario state.
type TestContext interface {
	Do(method, path string, body any, headers map[string]string) error
	LastStatus() int
	SetClientIP(ip string)
}

// RegisterSteps registers rate limiting step definitions. They assume the
// server runs with a small RATE_LIMIT_CREATE budget.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I send requests from IP "([^"]*)"$`, steps.fromIP)
	ctx.Step(`^I create (\d+) permission requests$`, steps.createN)
	ctx.Step(`^(\d+) of them should have been throttled$`, steps.throttledCount)
	ctx.Step(`^at least one of them should have been throttled$`, steps.someThrottled)
}

type ratelimitSteps struct {
	tc        TestContext
	throttled int
}

func (s *ratelimitSteps) fromIP(_ context.Context, ip string) error {
	s.tc.SetClientIP(ip)
	s.throttled = 0
	return nil
}

func (s *ratelimitSteps) createN(_ context.Context, n int) error {
	for i := range n {
		body := map[string]any{
			"connectionId": fmt.Sprintf("e2e-rl-%d-%d", time.Now().UnixNano(), i),
			"dataNeedId":   "hourly-year",
			"connectorId":  "sim",
		}
		if err := s.tc.Do("POST", "/permission-requests", body, nil); err != nil {
			return err
		}
		if s.tc.LastStatus() == 429 {
			s.throttled++
		}
	}
	return nil
}

func (s *ratelimitSteps) throttledCount(_ context.Context, want int) error {
	if s.throttled != want {
		return fmt.Errorf("expected %d throttled requests, got %d", want, s.throttled)
	}
	return nil
}

func (s *ratelimitSteps) someThrottled(context.Context) error {
	if s.throttled == 0 {
		return fmt.Errorf("no request was throttled")
	}
	return nil
}
