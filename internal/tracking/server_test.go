package tracking_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/homeserve/internal/auth"
	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/tracking"
)

const testSecret = "test-secret"

func dialTracking(t *testing.T, tr *tracking.Tracker) *tracking.TrackingClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ForceServerCodec(tracking.JSONCodec{}),
		grpc.StreamInterceptor(auth.StreamServerInterceptor(testSecret, auth.RoleProvider)),
	)
	tracking.RegisterTrackingServer(srv, tracking.NewServer(tr, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return tracking.NewTrackingClient(conn)
}

func withToken(t *testing.T, ctx context.Context, actor auth.Actor) context.Context {
	t.Helper()
	token, err := auth.IssueToken(testSecret, actor, time.Hour)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestStreamLocationRelaysSamples(t *testing.T) {
	tr, clock, pub, _ := newTracker(t)
	client := dialTracking(t, tr)

	requestID, providerID := uuid.New(), uuid.New()
	require.NoError(t, tr.Start(context.Background(), requestID, providerID, customer))

	ctx := withToken(t, context.Background(), auth.Actor{ID: providerID, Role: auth.RoleProvider})
	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)

	t0 := clock.Now()
	require.NoError(t, stream.Send(&tracking.LocationReport{Lat: 24.865, Lng: 67.002, TsMillis: t0.UnixMilli()}))
	require.NoError(t, stream.Send(&tracking.LocationReport{Lat: 24.864, Lng: 67.0015, TsMillis: t0.Add(5 * time.Second).UnixMilli()}))
	require.NoError(t, stream.Send(&tracking.LocationReport{Lat: 24.864, Lng: 67.0015, TsMillis: t0.UnixMilli()}))
	require.NoError(t, stream.Send(&tracking.LocationReport{Lat: 95, Lng: 67.0015, TsMillis: t0.Add(6 * time.Second).UnixMilli()}))

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, int32(2), ack.Relayed)
	require.Equal(t, int32(1), ack.Dropped)
	require.Equal(t, int32(1), ack.Rejected)
	require.Len(t, pub.ofType(domain.EventLocationUpdated), 2)
}

func TestStreamLocationRequiresProviderToken(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	client := dialTracking(t, tr)

	ctx := withToken(t, context.Background(), auth.Actor{ID: uuid.New(), Role: auth.RoleCustomer})
	stream, err := client.StreamLocation(ctx)
	require.NoError(t, err)
	_, err = stream.CloseAndRecv()
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	stream, err = client.StreamLocation(context.Background())
	require.NoError(t, err)
	_, err = stream.CloseAndRecv()
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}
