// Package gateway is the RequestGateway: it translates external RPCs
// into QueueCoordinator/FSM ask messages,
// applies a per-call circuit breaker and timeout, and maps every
// failure onto the closed error taxonomy in internal/harnesserr.
//
// The breaker is github.com/sony/gobreaker, a direct dependency of
// jordigilh-kubernaut in the retrieval pack, used there for exactly this
// per-call resilience role.
package gateway

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/CrisisTextLine/kafka-harness/internal/config"
	"github.com/CrisisTextLine/kafka-harness/internal/fsm"
	"github.com/CrisisTextLine/kafka-harness/internal/harnesserr"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/queue"
)

// Gateway is the process's single RequestGateway.
type Gateway struct {
	coordinator *queue.Coordinator
	breaker     *gobreaker.CircuitBreaker
	askTimeout  time.Duration
}

// New builds a Gateway in front of coordinator.
func New(coordinator *queue.Coordinator, breakerCfg config.CircuitBreakerConfig, askTimeout time.Duration) *Gateway {
	settings := gobreaker.Settings{
		Name:        "request-gateway",
		Timeout:     breakerCfg.ResetTimeout,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerCfg.MaxFailures
		},
	}
	return &Gateway{
		coordinator: coordinator,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		askTimeout:  askTimeout,
	}
}

func (g *Gateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.askTimeout)
}

// InitializeTest mints a fresh TestId via the coordinator.
func (g *Gateway) InitializeTest(ctx context.Context) (model.TestID, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := g.withDeadline(ctx)
		defer cancel()
		reply := make(chan model.TestID, 1)
		if err := g.coordinator.Send(cctx, queue.InitializeTestRequest{ReplyTo: reply}); err != nil {
			return nil, mapAskError(err)
		}
		select {
		case id := <-reply:
			return id, nil
		case <-cctx.Done():
			return nil, harnesserr.New(harnesserr.ServiceTimeout, "initialize test timed out")
		}
	})
	if err != nil {
		return model.TestID{}, translateBreakerErr(err)
	}
	return v.(model.TestID), nil
}

// StartTest routes a start request to testID's FSM.
func (g *Gateway) StartTest(ctx context.Context, testID model.TestID, bucket, testType string) (fsm.StartTestResponse, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := g.withDeadline(ctx)
		defer cancel()
		reply := make(chan fsm.StartTestResponse, 1)
		if err := g.coordinator.Send(cctx, queue.StartTestRequest{TestID: testID, Bucket: bucket, TestType: testType, ReplyTo: reply}); err != nil {
			return nil, mapAskError(err)
		}
		select {
		case resp := <-reply:
			return resp, nil
		case <-cctx.Done():
			return nil, harnesserr.New(harnesserr.ServiceTimeout, "start test timed out")
		}
	})
	if err != nil {
		return fsm.StartTestResponse{}, translateBreakerErr(err)
	}
	return v.(fsm.StartTestResponse), nil
}

// CancelTest requests cancellation of testID.
func (g *Gateway) CancelTest(ctx context.Context, testID model.TestID) (fsm.TestCancelledResponse, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := g.withDeadline(ctx)
		defer cancel()
		reply := make(chan fsm.TestCancelledResponse, 1)
		if err := g.coordinator.Send(cctx, queue.CancelRequest{TestID: testID, ReplyTo: reply}); err != nil {
			return nil, mapAskError(err)
		}
		select {
		case resp := <-reply:
			return resp, nil
		case <-cctx.Done():
			return nil, harnesserr.New(harnesserr.ServiceTimeout, "cancel test timed out")
		}
	})
	if err != nil {
		return fsm.TestCancelledResponse{}, translateBreakerErr(err)
	}
	return v.(fsm.TestCancelledResponse), nil
}

// TestStatus returns one test's status.
func (g *Gateway) TestStatus(ctx context.Context, testID model.TestID) (model.TestStatus, bool, error) {
	resp, err := g.statusAsk(ctx, queue.StatusRequest{TestID: testID})
	if err != nil {
		return model.TestStatus{}, false, err
	}
	return resp.Status, resp.Found, nil
}

// QueueStatus returns the full per-state snapshot.
func (g *Gateway) QueueStatus(ctx context.Context) (model.QueueSnapshot, error) {
	resp, err := g.statusAsk(ctx, queue.StatusRequest{All: true})
	if err != nil {
		return model.QueueSnapshot{}, err
	}
	return resp.Snapshot, nil
}

func (g *Gateway) statusAsk(ctx context.Context, req queue.StatusRequest) (queue.StatusResponse, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := g.withDeadline(ctx)
		defer cancel()
		reply := make(chan queue.StatusResponse, 1)
		req.ReplyTo = reply
		if sendErr := g.coordinator.Send(cctx, req); sendErr != nil {
			return nil, mapAskError(sendErr)
		}
		select {
		case resp := <-reply:
			return resp, nil
		case <-cctx.Done():
			return nil, harnesserr.New(harnesserr.ServiceTimeout, "status query timed out")
		}
	})
	if err != nil {
		return queue.StatusResponse{}, translateBreakerErr(err)
	}
	return v.(queue.StatusResponse), nil
}

func mapAskError(err error) error {
	if _, ok := err.(*harnesserr.Error); ok {
		return err
	}
	return harnesserr.Wrap(harnesserr.ServiceUnavailable, "coordinator unreachable", err)
}

// translateBreakerErr folds gobreaker's own open/too-many-requests
// errors into the harness's closed error taxonomy, so gateway callers
// never need to know gobreaker exists.
func translateBreakerErr(err error) error {
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return harnesserr.Wrap(harnesserr.ServiceUnavailable, "circuit breaker open", err)
	}
	return err
}
