package e2e

import (
	"context"
	"os"
	"testing"

	"github.com/cucumber/godog"
)

// TestFeatures runs the feature files against CONSENTGRID_URL. The server
// must use the simulated administrator and a WEBHOOK_SECRET_HASH matching
// E2E_WEBHOOK_SECRET.
func TestFeatures(t *testing.T) {
	baseURL := os.Getenv("CONSENTGRID_URL")
	if baseURL == "" {
		t.Skip("CONSENTGRID_URL not set")
	}
	tc := NewTestContext(baseURL, os.Getenv("E2E_WEBHOOK_SECRET"))

	suite := godog.TestSuite{
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				tc.Reset()
				return ctx, nil
			})
			RegisterSteps(ctx, tc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Tags:     os.Getenv("E2E_TAGS"),
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}
