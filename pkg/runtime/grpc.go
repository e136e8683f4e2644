package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// The sidecar carries no generated stubs on this side: orders and reports
// travel as structpb values over plain unary invokes, and liveness rides
// the standard health service with the agent ID as the service name.
const (
	serviceName = "orchestrator.runtime.v1.Runtime"

	methodBegin = "/" + serviceName + "/Begin"
	methodStep  = "/" + serviceName + "/Step"
	methodHalt  = "/" + serviceName + "/Halt"
)

// GRPCDriver implements Driver against a runtime sidecar.
type GRPCDriver struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    *config.RuntimeConfig
}

// NewGRPCDriver connects to the runtime endpoint from config. The
// connection is lazy; Ready forces it. Extra dial options are appended
// after the defaults, so tests can inject a dialer.
func NewGRPCDriver(cfg *config.RuntimeConfig, opts ...grpc.DialOption) (*GRPCDriver, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to runtime at %s: %w", cfg.Addr, err)
	}
	return &GRPCDriver{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
	}, nil
}

// Ready probes the sidecar as a whole, bounded by the dial timeout. Call
// it once at startup to surface a bad endpoint before agents need it.
func (d *GRPCDriver) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return classify(err, "readiness check")
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return orcherr.New(orcherr.KindExternal, "runtime at %s reported %s", d.cfg.Addr, resp.GetStatus())
	}
	return nil
}

func (d *GRPCDriver) Begin(ctx context.Context, order *Order) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	req, err := toStruct(order)
	if err != nil {
		return err
	}
	if err := d.conn.Invoke(ctx, methodBegin, req, &structpb.Struct{}); err != nil {
		return classify(err, "begin")
	}
	return nil
}

func (d *GRPCDriver) Step(ctx context.Context, agentID string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	req, err := toStruct(map[string]string{"agentId": agentID})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, methodStep, req, resp); err != nil {
		return nil, classify(err, "step")
	}

	report := &Report{}
	if err := fromStruct(resp, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (d *GRPCDriver) Halt(ctx context.Context, agentID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	req, err := toStruct(map[string]string{"agentId": agentID, "reason": reason})
	if err != nil {
		return err
	}
	if err := d.conn.Invoke(ctx, methodHalt, req, &structpb.Struct{}); err != nil {
		return classify(err, "halt")
	}
	return nil
}

// Probe checks one agent's process through the health service. The
// sidecar registers each agent under its agent ID.
func (d *GRPCDriver) Probe(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{Service: agentID})
	if err != nil {
		return classify(err, "probe")
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return orcherr.New(orcherr.KindExternal, "agent %s process reported %s", agentID, resp.GetStatus())
	}
	return nil
}

// Close releases the gRPC connection.
func (d *GRPCDriver) Close() error {
	return d.conn.Close()
}

// classify maps gRPC failures onto orchestrator error kinds so callers
// can tell a dead agent from a slow one.
func classify(err error, op string) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return orcherr.Wrap(orcherr.KindTimeout, err, "runtime %s timed out", op)
	case codes.NotFound:
		return orcherr.Wrap(orcherr.KindNotFound, err, "runtime %s: unknown agent", op)
	case codes.Unavailable:
		return orcherr.Wrap(orcherr.KindTransient, err, "runtime unreachable during %s", op)
	default:
		return orcherr.Wrap(orcherr.KindExternal, err, "runtime %s failed", op)
	}
}

// toStruct encodes a value as a schemaless protobuf struct via its JSON
// form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode runtime request: %w", err)
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("encode runtime request: %w", err)
	}
	return s, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, out any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode runtime response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode runtime response: %w", err)
	}
	return nil
}
