package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service the advisory backend registers.
const ServiceName = "lore.advisory.v1.AdvisoryService"

// invokeMethod carries google.protobuf.Struct in both directions so the
// client needs no generated stubs.
const invokeMethod = "/" + ServiceName + "/Invoke"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("advisory backend not serving")
)

// GrpcClient provides a gRPC client to the advisory backend.
type GrpcClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

var _ Service = (*GrpcClient)(nil)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   MaxTimeout,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the advisory backend and waits until the connection
// is ready so misconfigured endpoints fail at startup.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to advisory backend at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("advisory backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to advisory backend", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
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
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Health checks the backend through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Invoke runs one task on the backend.
func (c *GrpcClient) Invoke(ctx context.Context, req Request) (Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	in, err := toStruct(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode advisory request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("advisory invoke failed: %w", err)
	}
	return fromStruct(out)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// wireResponse mirrors Response with JSON numbers, which is how Struct
// carries every number.
type wireResponse struct {
	Text           string             `json:"text"`
	RawScore       *float64           `json:"raw_score"`
	Rationale      string             `json:"rationale"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
}

func fromStruct(s *structpb.Struct) (Response, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return Response{}, fmt.Errorf("decode advisory response: %w", err)
	}
	return decodeWire(raw)
}

func decodeWire(raw []byte) (Response, error) {
	var w wireResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return Response{}, fmt.Errorf("decode advisory response: %w", err)
	}
	resp := Response{Text: w.Text, Rationale: w.Rationale}
	if w.RawScore != nil {
		score := boundedInt(*w.RawScore)
		resp.RawScore = &score
	}
	if len(w.CriteriaScores) > 0 {
		resp.CriteriaScores = make(map[string]int, len(w.CriteriaScores))
		for k, v := range w.CriteriaScores {
			resp.CriteriaScores[k] = boundedInt(v)
		}
	}
	return resp, nil
}

// boundedInt rounds v into the int32 range so out-of-range scores keep
// their sign and clamp downstream instead of overflowing.
func boundedInt(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(math.MinInt32, math.Min(math.MaxInt32, v))))
}
