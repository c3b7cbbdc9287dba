package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tesserbridge/bridge/internal/domain"
)

const (
	invokeMethod = "/bridge.WorkerService/Invoke"
	healthMethod = "/bridge.WorkerService/Health"
)

var errConnectionShutdown = errors.New("connection shutdown")

// GrpcInvoker is the gRPC client to the worker service. Requests and
// replies travel as structpb maps so worker deployments can evolve their
// payload shape without a lockstep schema change on the bridge side.
type GrpcInvoker struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger

	requestTimeout time.Duration
}

// GrpcInvokerConfig holds configuration for the worker client.
type GrpcInvokerConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcInvokerConfig returns default configuration.
func DefaultGrpcInvokerConfig() GrpcInvokerConfig {
	return GrpcInvokerConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcInvoker creates a worker client and forces a connection attempt so
// bad endpoints fail at startup rather than on the first invocation.
func NewGrpcInvoker(cfg GrpcInvokerConfig, logger *slog.Logger) (*GrpcInvoker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("worker service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to worker service", "address", cfg.Address)

	return &GrpcInvoker{
		conn:           conn,
		addr:           cfg.Address,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection state did not change from %s", state)
		}
	}
}

// Invoke sends one optimized context to a worker of the given kind.
func (c *GrpcInvoker) Invoke(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
	req, err := invocationRequest(kind, input)
	if err != nil {
		return nil, fmt.Errorf("build invocation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	started := time.Now()
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, invokeMethod, req, reply); err != nil {
		c.logger.Error("worker invocation failed", "kind", kind, "address", c.addr, "error", err)
		return nil, fmt.Errorf("%w: invoke %s: %v", ErrWorkerUnavailable, kind, err)
	}

	result, err := parseWorkerResult(kind, reply)
	if err != nil {
		return nil, err
	}
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(started)
	}

	c.logger.Debug("worker invocation completed",
		"kind", kind, "outputs", len(result.Outputs), "elapsed", result.Elapsed)
	return result, nil
}

// Health pings the worker service.
func (c *GrpcInvoker) Health(ctx context.Context) error {
	req, err := structpb.NewStruct(map[string]any{})
	if err != nil {
		return err
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, healthMethod, req, reply); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (c *GrpcInvoker) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// invocationRequest encodes an optimized context as a structpb request.
func invocationRequest(kind domain.WorkerKind, input *domain.OptimizedContext) (*structpb.Struct, error) {
	payload := make(map[string]any, len(input.Payload))
	for k, v := range input.Payload {
		payload[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"worker_kind":   string(kind),
		"fingerprint":   input.Fingerprint,
		"payload":       payload,
		"quality_score": input.QualityScore,
	})
}

// parseWorkerResult decodes a structpb reply into a worker result.
func parseWorkerResult(kind domain.WorkerKind, reply *structpb.Struct) (*domain.WorkerResult, error) {
	fields := reply.AsMap()

	result := &domain.WorkerResult{WorkerKind: kind}
	if summary, ok := fields["summary"].(string); ok {
		result.Summary = summary
	}
	if ms, ok := fields["elapsed_ms"].(float64); ok {
		result.Elapsed = time.Duration(ms) * time.Millisecond
	}

	rawOutputs, ok := fields["outputs"]
	if !ok {
		return result, nil
	}
	list, ok := rawOutputs.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: outputs is not a list", ErrBadWorkerReply)
	}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: output %d is not an object", ErrBadWorkerReply, i)
		}
		out := domain.WorkerOutput{}
		if v, ok := entry["artifact"].(string); ok {
			out.Artifact = v
		}
		if v, ok := entry["kind"].(string); ok {
			out.Kind = v
		}
		if v, ok := entry["content"].(string); ok {
			out.Content = v
		}
		if out.Artifact == "" {
			return nil, fmt.Errorf("%w: output %d missing artifact", ErrBadWorkerReply, i)
		}
		result.Outputs = append(result.Outputs, out)
	}
	return result, nil
}
