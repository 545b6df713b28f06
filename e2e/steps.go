package e2e

import (
	"fmt"
	"strconv"

	"github.com/cucumber/godog"

	"consentgrid/e2e/steps/permission"
	"consentgrid/e2e/steps/ratelimit"
)

// RegisterSteps registers every step definition.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^the response status should be (\d+)$`, func(code int) error {
		if tc.LastStatus() != code {
			return fmt.Errorf("expected status %d, got %d", code, tc.LastStatus())
		}
		return nil
	})
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, func(field, want string) error {
		v, err := tc.ResponseField(field)
		if err != nil {
			return err
		}
		if got := fmt.Sprint(v); got != want {
			return fmt.Errorf("%s: expected %q, got %q", field, want, got)
		}
		return nil
	})
	ctx.Step(`^the response header "([^"]*)" should be a positive number$`, func(key string) error {
		n, err := strconv.Atoi(tc.LastHeader(key))
		if err != nil || n <= 0 {
			return fmt.Errorf("header %s = %q", key, tc.LastHeader(key))
		}
		return nil
	})

	permission.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
