package tracking

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/homeserve/internal/auth"
	"github.com/example/homeserve/internal/dispatch/domain"
)

// Server ingests high-frequency provider samples over a client stream. The
// provider id comes from the authenticated actor, never from the message.
type Server struct {
	tracker *Tracker
	logger  *zap.Logger
}

func NewServer(tracker *Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tracker: tracker, logger: logger}
}

func (s *Server) StreamLocation(stream Tracking_StreamLocationServer) error {
	ctx := stream.Context()
	actor, ok := auth.ActorFromContext(ctx)
	if !ok || actor.Role != auth.RoleProvider {
		return status.Error(codes.PermissionDenied, "provider identity required")
	}
	ack := &Ack{}
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		var at time.Time
		if msg.TsMillis > 0 {
			at = time.UnixMilli(msg.TsMillis).UTC()
		}
		est, err := s.tracker.ReportLocation(ctx, actor.ID, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}, at)
		switch {
		case errors.Is(err, domain.ErrValidation):
			ack.Rejected++
			continue
		case err != nil:
			s.logger.Warn("location ingest failed", zap.String("provider_id", actor.ID.String()), zap.Error(err))
			return status.Error(codes.Unavailable, err.Error())
		}
		switch {
		case est.Dropped:
			ack.Dropped++
		case est.Tracking:
			ack.Relayed++
		default:
			ack.Ignored++
		}
	}
}
