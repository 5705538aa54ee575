// Package scenario is the Scenario worker: it runs a third-party
// Gherkin/BDD suite — github.com/cucumber/godog, treated as a black-box
// callable — on a dedicated blocking worker pool, and returns an
// aggregated model.TestExecutionResult.
//
// godog instantiates step/hook listener types via reflection with no way
// to thread a context value through to them. The harness instead keeps
// thread-local-style scratch state for scenario plug-ins: a registration
// map from a run token to the running test's context is populated
// immediately before godog.TestSuite.Run and popped immediately after,
// and step definitions that need the current TestID look it up by the
// same token (the test ID's string form), which Run passes as the
// argument of the suite's GlueProvider.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/spf13/afero"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// RunContext is what a step definition can look up via CurrentRunContext
// while its scenario is executing.
type RunContext struct {
	TestID model.TestID
	FS     afero.Fs
}

var (
	runRegistryMu sync.RWMutex
	runRegistry   = map[string]RunContext{}
)

// registerRun stashes ctx under token before the suite starts.
func registerRun(token string, ctx RunContext) {
	runRegistryMu.Lock()
	defer runRegistryMu.Unlock()
	runRegistry[token] = ctx
}

// unregisterRun pops the entry once the suite has returned.
func unregisterRun(token string) {
	runRegistryMu.Lock()
	defer runRegistryMu.Unlock()
	delete(runRegistry, token)
}

// CurrentRunContext resolves the RunContext a godog step/hook listener
// was constructed for. Listener constructors receive no arguments from
// godog, so step definitions take the token from the GlueProvider that
// registered them (Run calls it with the test ID's string form) and call
// this function with it.
func CurrentRunContext(token string) (RunContext, bool) {
	runRegistryMu.RLock()
	defer runRegistryMu.RUnlock()
	rc, ok := runRegistry[token]
	return rc, ok
}

// GlueProvider builds the godog.ScenarioInitializer for one test's
// feature suite; it is supplied by whatever glue-code package the
// BlockStorageDirective named.
type GlueProvider func(token string) func(*godog.ScenarioContext)

// Runner runs scenario suites on a bounded pool of blocking workers so
// that no actor-handling goroutine ever blocks on the BDD engine itself.
type Runner struct {
	sem chan struct{}
}

// NewRunner builds a Runner with the given worker-pool size.
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{sem: make(chan struct{}, workers)}
}

// Options configures one suite run.
type Options struct {
	TestID       model.TestID
	FS           afero.Fs
	FeatureGlob  string // path(s) inside FS godog should load, e.g. "/staging/features"
	GlueProvider GlueProvider
	Tags         string
}

// Run blocks the calling goroutine until the suite finishes or ctx is
// cancelled, acquiring one of the pool's worker slots first. It never
// panics out to the caller: godog/test-suite panics are recovered and
// folded into a failed TestExecutionResult.
func (r *Runner) Run(ctx context.Context, opts Options) (model.TestExecutionResult, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return model.TestExecutionResult{}, ctx.Err()
	}
	defer func() { <-r.sem }()

	token := opts.TestID.String()
	registerRun(token, RunContext{TestID: opts.TestID, FS: opts.FS})
	defer unregisterRun(token)

	result := model.TestExecutionResult{TestID: opts.TestID}
	start := time.Now()

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("scenario: suite panicked: %v", rec)
			}
		}()
		runErr = r.runSuite(opts, &result)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Cooperative only: godog itself does not expose mid-run
		// cancellation, so a cancelled context here means the caller
		// stops waiting; the goroutine above still runs to completion
		// and its result is discarded. This is how the FSM's
		// InCancelRequest path observes the worker "between records".
		return model.TestExecutionResult{}, ctx.Err()
	}

	result.DurationMillis = time.Since(start).Milliseconds()
	if runErr != nil {
		result.Passed = false
		result.ErrorMessage = runErr.Error()
		return result, nil
	}
	result.Passed = result.ScenariosFailed == 0
	return result, nil
}

func (r *Runner) runSuite(opts Options, result *model.TestExecutionResult) error {
	var mu sync.Mutex
	var scenariosPassed, scenariosFailed, scenariosSkipped int
	var stepsPassed, stepsFailed, stepsSkipped, stepsUndefined int
	var failedScenarios []string

	glue := opts.GlueProvider(opts.TestID.String())

	// tallyHooks wraps the test's own glue package: it registers our own
	// After hooks on top of whatever the glue package registers so every
	// scenario/step outcome godog actually reports is counted, instead of
	// guessing from the suite's overall exit status.
	tallyHooks := func(sc *godog.ScenarioContext) {
		sc.After(func(ctx context.Context, scn *godog.Scenario, err error) (context.Context, error) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				scenariosPassed++
			case errors.Is(err, godog.ErrUndefined), errors.Is(err, godog.ErrPending):
				scenariosSkipped++
			default:
				scenariosFailed++
				failedScenarios = append(failedScenarios, scn.Name)
			}
			return ctx, nil
		})
		sc.StepContext().After(func(ctx context.Context, st *godog.Step, status godog.StepResultStatus, err error) (context.Context, error) {
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case godog.StepPassed:
				stepsPassed++
			case godog.StepFailed:
				stepsFailed++
			case godog.StepSkipped, godog.StepPending, godog.StepAmbiguous:
				stepsSkipped++
			case godog.StepUndefined:
				stepsUndefined++
			}
			return ctx, nil
		})
		glue(sc)
	}

	suite := godog.TestSuite{
		Name:                "harness-scenario-suite",
		ScenarioInitializer: tallyHooks,
		Options: &godog.Options{
			Paths:     []string{opts.FeatureGlob},
			Tags:      opts.Tags,
			Format:    "pretty",
			Strict:    true,
			Randomize: 0,
		},
	}

	status := suite.Run()

	mu.Lock()
	result.ScenariosPassed = scenariosPassed
	result.ScenariosFailed = scenariosFailed
	result.ScenariosSkipped = scenariosSkipped
	result.ScenarioCount = scenariosPassed + scenariosFailed + scenariosSkipped
	result.StepsPassed = stepsPassed
	result.StepsFailed = stepsFailed
	result.StepsSkipped = stepsSkipped
	result.StepsUndefined = stepsUndefined
	result.StepCount = stepsPassed + stepsFailed + stepsSkipped + stepsUndefined
	result.FailedScenarios = failedScenarios
	mu.Unlock()

	if status != 0 && scenariosFailed == 0 {
		// Non-zero exit with no scenario our own After hook saw as failed
		// means the suite itself couldn't run (e.g. a feature file failed
		// to parse) — there is nothing to attribute to a named scenario.
		return fmt.Errorf("scenario: suite exited with status %d", status)
	}
	return nil
}
