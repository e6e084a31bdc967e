package grpcapi_test

import (
	"context"
	"net"
	"testing"
	"time"

	grpcapi "github.com/KevinKickass/OpenAcqCore/internal/api/grpc"
	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const scopeJSON = `{
  "name": "scope",
  "driver": "simulator",
  "channel_sets": [
    {"direction": "input", "sample_size": 2, "channels": [{}, {}]}
  ]
}`

type fixture struct {
	lm     *system.LifecycleManager
	client *grpcapi.AdminClient
	secret string
}

func newFixture(t *testing.T, authEnabled bool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Devices.SearchPaths = []string{t.TempDir()}
	cfg.Auth.Enabled = authEnabled

	lm, err := system.NewLifecycleManager(context.Background(), cfg, logger)
	require.NoError(t, err)

	desc, err := lm.DeviceManager().Loader().Parse([]byte(scopeJSON), false)
	require.NoError(t, err)
	_, err = lm.DeviceManager().Register(desc, "test")
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpcapi.NewGRPCServer(grpcapi.NewServer(lm, logger), lm.Auth(), logger)
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		<-served
		lm.Close()
	})
	return &fixture{lm: lm, client: grpcapi.NewAdminClient(conn), secret: cfg.Auth.GetJWTSecret()}
}

func binding(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestListDevices(t *testing.T) {
	f := newFixture(t, false)

	resp, err := f.client.ListDevices(context.Background())
	require.NoError(t, err)
	m := resp.AsMap()
	assert.Equal(t, float64(1), m["count"])

	list := m["devices"].([]any)
	dev := list[0].(map[string]any)
	assert.Equal(t, "scope", dev["name"])
	sets := dev["channel_sets"].([]any)
	assert.Equal(t, "heap", sets[0].(map[string]any)["transport"])
}

func TestChangeBinding(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	resp, err := f.client.ChangeBinding(ctx, binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": core.TargetTransport, "name": "ringbuf",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ringbuf", resp.AsMap()["transport"])

	resp, err = f.client.ChangeBinding(ctx, binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": core.TargetTiming, "name": "timer",
	}))
	require.NoError(t, err)
	assert.Equal(t, "timer", resp.AsMap()["timing"])

	dev, err := f.lm.Registry().Device("scope")
	require.NoError(t, err)
	assert.Equal(t, "ringbuf", dev.Sets()[0].TransportType().Name)

	cases := []struct {
		name   string
		fields map[string]any
		code   codes.Code
	}{
		{"unknown device", map[string]any{"device": "ghost", "cset": 0, "target": "transport", "name": "heap"}, codes.NotFound},
		{"unknown set", map[string]any{"device": "scope", "cset": 4, "target": "transport", "name": "heap"}, codes.NotFound},
		{"unknown type", map[string]any{"device": "scope", "cset": 0, "target": "transport", "name": "dma"}, codes.NotFound},
		{"bad target", map[string]any{"device": "scope", "cset": 0, "target": "trigger", "name": "heap"}, codes.InvalidArgument},
		{"missing name", map[string]any{"device": "scope", "cset": 0, "target": "timing"}, codes.InvalidArgument},
		{"fractional set", map[string]any{"device": "scope", "cset": 0.5, "target": "timing", "name": "user"}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.client.ChangeBinding(ctx, binding(t, tc.fields))
			assert.Equal(t, tc.code, status.Code(err), err)
		})
	}
}

func TestChangeBindingWhileBusy(t *testing.T) {
	f := newFixture(t, false)

	dev, err := f.lm.Registry().Device("scope")
	require.NoError(t, err)
	ch, err := dev.Channel(0, 1)
	require.NoError(t, err)
	s, err := ch.Open()
	require.NoError(t, err)

	_, err = f.client.ChangeBinding(context.Background(), binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": "transport", "name": "ringbuf",
	}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "BUSY")

	s.Close()
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := f.client.StreamEvents(ctx, binding(t, map[string]any{
		"device": "scope",
		"kinds":  []any{string(core.EventTransportChanged)},
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.lm.Events().Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.client.ChangeBinding(ctx, binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": "transport", "name": "ringbuf",
	}))
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	ev := msg.AsMap()
	assert.Equal(t, string(core.EventTransportChanged), ev["kind"])
	assert.Equal(t, "heap", ev["from"])
	assert.Equal(t, "ringbuf", ev["to"])
	assert.Equal(t, core.TargetTransport, ev["target"])

	cancel()
	require.Eventually(t, func() bool {
		return f.lm.Events().Subscribers() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAuthInterceptors(t *testing.T) {
	f := newFixture(t, true)
	jwt := auth.NewJWTHandler(f.secret, time.Minute)

	_, err := f.client.ListDevices(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
	_, err = f.client.ListDevices(bad)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	opToken, err := jwt.GenerateAccessToken("otto", auth.RoleOperator)
	require.NoError(t, err)
	op := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+opToken)

	_, err = f.client.ListDevices(op)
	require.NoError(t, err)

	_, err = f.client.ChangeBinding(op, binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": "transport", "name": "ringbuf",
	}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	stream, err := f.client.StreamEvents(context.Background(), binding(t, nil))
	if err == nil {
		_, err = stream.Recv()
	}
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	adminToken, err := jwt.GenerateAccessToken("ada", auth.RoleAdmin)
	require.NoError(t, err)
	admin := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+adminToken)
	_, err = f.client.ChangeBinding(admin, binding(t, map[string]any{
		"device": "scope", "cset": 0, "target": "transport", "name": "ringbuf",
	}))
	require.NoError(t, err)
}
