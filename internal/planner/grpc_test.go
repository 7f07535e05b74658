package planner

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/planwise/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakePlannerServer answers GeneratePlan with a canned response and records
// the last request it saw.
type fakePlannerServer struct {
	response map[string]any
	err      error
	last     *structpb.Struct
}

func (f *fakePlannerServer) generate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.response)
}

var fakePlannerDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GeneratePlan",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakePlannerServer).generate(ctx, in)
		},
	}},
}

func startPlanner(t *testing.T, fake *fakePlannerServer) (*GrpcPlanner, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&fakePlannerDesc, fake)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	p, err := NewGrpcPlanner(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, hs
}

func TestGrpcPlannerGeneratePlan(t *testing.T) {
	fake := &fakePlannerServer{response: map[string]any{
		"plan": map[string]any{
			"title": "Create Apollo",
			"steps": []any{
				map[string]any{"action_type": "createProject", "params": map[string]any{"name": "Apollo"}},
			},
		},
		"confidence":     0.8,
		"entities":       map[string]any{"projectName": "Apollo"},
		"partial_intent": "createProject",
	}}
	p, _ := startPlanner(t, fake)

	got, err := p.Generate(context.Background(), Request{
		SessionID: "s1",
		UserID:    "u1",
		Message:   "create apollo",
		Force:     true,
		History:   []domain.Message{{Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now()}},
		Entities:  map[string]any{"projectName": "Old"},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	require.Len(t, got.Plan.Steps, 1)
	assert.Equal(t, domain.ActionCreateProject, got.Plan.Steps[0].ActionType)
	assert.JSONEq(t, `{"name":"Apollo"}`, string(got.Plan.Steps[0].Params))
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, "Apollo", got.Entities["projectName"])

	req := fake.last.AsMap()
	assert.Equal(t, "s1", req["session_id"])
	assert.Equal(t, true, req["force"])
	assert.Len(t, req["history"], 1)
	assert.Equal(t, map[string]any{"projectName": "Old"}, req["entities"])
	assert.Len(t, req["action_types"], len(domain.ActionTypes))
}

func TestGrpcPlannerClarification(t *testing.T) {
	fake := &fakePlannerServer{response: map[string]any{
		"clarification": map[string]any{"question": "Which project?"},
		"confidence":    0.2,
	}}
	p, _ := startPlanner(t, fake)

	got, err := p.Generate(context.Background(), Request{SessionID: "s1", Message: "add a task"})
	require.NoError(t, err)
	require.NotNil(t, got.Clarification)
	assert.Equal(t, "Which project?", got.Clarification.Question)
}

func TestGrpcPlannerErrors(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		p, _ := startPlanner(t, &fakePlannerServer{err: status.Error(codes.Unavailable, "model down")})
		_, err := p.Generate(context.Background(), Request{SessionID: "s1", Message: "x"})
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("empty proposal", func(t *testing.T) {
		p, _ := startPlanner(t, &fakePlannerServer{response: map[string]any{"confidence": 0.5}})
		_, err := p.Generate(context.Background(), Request{SessionID: "s1", Message: "x"})
		assert.ErrorIs(t, err, errBadResponse)
	})
}

func TestGrpcPlannerHealth(t *testing.T) {
	p, hs := startPlanner(t, &fakePlannerServer{})

	require.NoError(t, p.Health(context.Background()))

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.ErrorIs(t, p.Health(context.Background()), errNotServing)
}
