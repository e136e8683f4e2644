package runtime

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// sidecar is an in-process runtime service. It registers the same
// methods the production sidecar serves, so the driver is exercised over
// a real gRPC stack.
type sidecar struct {
	mu      sync.Mutex
	begun   []*Order
	halts   map[string]string
	reports map[string][]*Report
	stepErr error
	delay   time.Duration
}

type sidecarService interface {
	Begin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Step(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Halt(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func sidecarHandler(call func(sidecarService, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(sidecarService), ctx, in)
	}
}

var sidecarDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sidecarService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Begin", Handler: sidecarHandler(sidecarService.Begin)},
		{MethodName: "Step", Handler: sidecarHandler(sidecarService.Step)},
		{MethodName: "Halt", Handler: sidecarHandler(sidecarService.Halt)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "runtime_test",
}

func (s *sidecar) Begin(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	order := &Order{}
	if err := fromStruct(in, order); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = append(s.begun, order)
	return &structpb.Struct{}, nil
}

func (s *sidecar) Step(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	delay, stepErr := s.delay, s.stepErr
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if stepErr != nil {
		return nil, stepErr
	}

	req := map[string]string{}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.reports[req["agentId"]]
	if len(queue) == 0 {
		return toStruct(&Report{Phase: "working"})
	}
	s.reports[req["agentId"]] = queue[1:]
	return toStruct(queue[0])
}

func (s *sidecar) Halt(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := map[string]string{}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts[req["agentId"]] = req["reason"]
	return &structpb.Struct{}, nil
}

func (s *sidecar) script(agentID string, reports ...*Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[agentID] = append(s.reports[agentID], reports...)
}

func (s *sidecar) failSteps(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepErr = err
}

func (s *sidecar) slowSteps(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func newSidecar(t *testing.T, mutate func(*config.RuntimeConfig)) (*GRPCDriver, *sidecar, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	sc := &sidecar{
		halts:   make(map[string]string),
		reports: make(map[string][]*Report),
	}
	srv.RegisterService(&sidecarDesc, sc)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := config.DefaultRuntimeConfig()
	cfg.Addr = "passthrough:///sidecar"
	if mutate != nil {
		mutate(cfg)
	}

	driver, err := NewGRPCDriver(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })

	return driver, sc, hs
}

func TestGRPCDriverBegin(t *testing.T) {
	driver, sc, _ := newSidecar(t, nil)

	order := &Order{
		AgentID:  "agent-1",
		Kind:     OrderExecute,
		Project:  42,
		Branch:   "orchestrator/project-42",
		Title:    "Add request tracing",
		Brief:    "Wire a trace ID through the request path.",
		Criteria: []string{"trace id on every log line", "tests pass"},
	}
	require.NoError(t, driver.Begin(context.Background(), order))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.Len(t, sc.begun, 1)
	assert.Equal(t, order, sc.begun[0])
}

func TestGRPCDriverStep(t *testing.T) {
	driver, sc, _ := newSidecar(t, nil)
	ctx := context.Background()

	t.Run("default report while grinding", func(t *testing.T) {
		report, err := driver.Step(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, &Report{Phase: "working"}, report)
	})

	t.Run("full report survives the envelope", func(t *testing.T) {
		want := &Report{
			Phase:   "review",
			Done:    true,
			Verdict: "rework",
			Detail:  "criterion 2 unmet: no test for the empty queue",
			Proposal: &Draft{
				Title:    "Cache category weights",
				Summary:  "Avoid recomputing weights every pick.",
				Criteria: []string{"benchmark shows fewer allocations"},
			},
			CostUSD: 0.75,
			Tokens:  1234,
		}
		sc.script("agent-1", want)

		report, err := driver.Step(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, want, report)
	})

	t.Run("scripted reports pop in order", func(t *testing.T) {
		sc.script("agent-2", &Report{Phase: "editing"}, &Report{Phase: "testing"}, &Report{Done: true})

		phases := []string{}
		for range 3 {
			report, err := driver.Step(ctx, "agent-2")
			require.NoError(t, err)
			phases = append(phases, report.Phase)
		}
		assert.Equal(t, []string{"editing", "testing", ""}, phases)
	})
}

func TestGRPCDriverStepErrorKinds(t *testing.T) {
	driver, sc, _ := newSidecar(t, nil)
	ctx := context.Background()

	sc.failSteps(status.Error(codes.NotFound, "no such agent"))
	_, err := driver.Step(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindNotFound))

	sc.failSteps(status.Error(codes.Unavailable, "sidecar restarting"))
	_, err = driver.Step(ctx, "agent-1")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindTransient))
	assert.True(t, orcherr.Retryable(err))

	sc.failSteps(status.Error(codes.Internal, "boom"))
	_, err = driver.Step(ctx, "agent-1")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindExternal))
}

func TestGRPCDriverCallTimeout(t *testing.T) {
	driver, sc, _ := newSidecar(t, func(cfg *config.RuntimeConfig) {
		cfg.CallTimeout = 30 * time.Millisecond
	})

	sc.slowSteps(300 * time.Millisecond)

	_, err := driver.Step(context.Background(), "agent-1")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindTimeout))
}

func TestGRPCDriverHalt(t *testing.T) {
	driver, sc, _ := newSidecar(t, nil)

	require.NoError(t, driver.Halt(context.Background(), "agent-1", "operator stop"))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.Equal(t, "operator stop", sc.halts["agent-1"])
}

func TestGRPCDriverProbe(t *testing.T) {
	driver, _, hs := newSidecar(t, nil)
	ctx := context.Background()

	t.Run("serving agent", func(t *testing.T) {
		hs.SetServingStatus("agent-1", healthpb.HealthCheckResponse_SERVING)
		assert.NoError(t, driver.Probe(ctx, "agent-1"))
	})

	t.Run("hung agent", func(t *testing.T) {
		hs.SetServingStatus("agent-1", healthpb.HealthCheckResponse_NOT_SERVING)
		err := driver.Probe(ctx, "agent-1")
		require.Error(t, err)
		assert.True(t, orcherr.IsKind(err, orcherr.KindExternal))
		assert.Contains(t, err.Error(), "NOT_SERVING")
	})

	t.Run("unknown agent", func(t *testing.T) {
		err := driver.Probe(ctx, "ghost")
		require.Error(t, err)
		assert.True(t, orcherr.IsKind(err, orcherr.KindNotFound))
	})
}

func TestGRPCDriverReady(t *testing.T) {
	driver, _, hs := newSidecar(t, nil)
	ctx := context.Background()

	require.NoError(t, driver.Ready(ctx))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	err := driver.Ready(ctx)
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindExternal))
}
