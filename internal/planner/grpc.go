package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote service identifiers.
const (
	ServiceName        = "planner.v1.PlannerService"
	GeneratePlanMethod = "/" + ServiceName + "/GeneratePlan"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("planner service not serving")
	errBadResponse              = errors.New("malformed planner response")
)

// GrpcPlanner is a Generator backed by a remote planning service.
// Requests and responses are google.protobuf.Struct messages.
type GrpcPlanner struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcConfig holds configuration for the gRPC planner.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcPlanner connects to the planning service and waits for the
// connection to become ready. Extra dial options are appended after the defaults.
func NewGrpcPlanner(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcPlanner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("planner at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to planner service", "address", cfg.Address)

	return &GrpcPlanner{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
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
func (p *GrpcPlanner) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks that the remote planning service reports SERVING.
func (p *GrpcPlanner) Health(ctx context.Context) error {
	resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Generate implements Generator.
func (p *GrpcPlanner) Generate(ctx context.Context, req Request) (*Proposal, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := p.conn.Invoke(ctx, GeneratePlanMethod, in, out); err != nil {
		p.logger.Error("GeneratePlan failed", "error", err, "session_id", req.SessionID)
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	proposal, err := decodeProposal(out)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("GeneratePlan returned",
		"session_id", req.SessionID,
		"clarification", proposal.Clarification != nil,
		"confidence", proposal.Confidence,
	)
	return proposal, nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"role":       string(m.Role),
			"content":    m.Content,
			"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	// structpb only accepts JSON-shaped values; round-trip entities to normalise them.
	entities := map[string]any{}
	if len(req.Entities) > 0 {
		data, err := json.Marshal(req.Entities)
		if err != nil {
			return nil, fmt.Errorf("encode entities: %w", err)
		}
		if err := json.Unmarshal(data, &entities); err != nil {
			return nil, fmt.Errorf("encode entities: %w", err)
		}
	}

	actionTypes := make([]any, len(domain.ActionTypes))
	for i, a := range domain.ActionTypes {
		actionTypes[i] = string(a)
	}

	s, err := structpb.NewStruct(map[string]any{
		"session_id":   req.SessionID,
		"user_id":      req.UserID,
		"message":      req.Message,
		"force":        req.Force,
		"history":      history,
		"entities":     entities,
		"action_types": actionTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode planner request: %w", err)
	}
	return s, nil
}

// decodeProposal maps the response Struct onto a Proposal. The Struct has
// the same JSON shape as Proposal.
func decodeProposal(s *structpb.Struct) (*Proposal, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadResponse, err)
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadResponse, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadResponse, err)
	}
	return &p, nil
}
