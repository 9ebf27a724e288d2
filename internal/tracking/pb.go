package tracking

import (
	"context"

	"google.golang.org/grpc"
)

// LocationReport is one provider sample on the ingest stream.
type LocationReport struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	TsMillis int64   `json:"ts_ms"`
}

// Ack summarises a closed stream.
type Ack struct {
	Relayed  int32 `json:"relayed"`
	Ignored  int32 `json:"ignored"`
	Dropped  int32 `json:"dropped"`
	Rejected int32 `json:"rejected"`
}

// TrackingServer is the provider-facing ingest contract.
type TrackingServer interface {
	StreamLocation(Tracking_StreamLocationServer) error
}

var trackingServiceDesc = grpc.ServiceDesc{
	ServiceName: "tracking.Tracking",
	HandlerType: (*TrackingServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Tracking_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterTrackingServer registers service implementation.
func RegisterTrackingServer(s grpc.ServiceRegistrar, srv TrackingServer) {
	s.RegisterService(&trackingServiceDesc, srv)
}

// Tracking_StreamLocationServer is the server side of the client stream.
type Tracking_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*LocationReport, error)
}

func _Tracking_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TrackingServer).StreamLocation(&trackingStreamServer{ServerStream: stream})
}

type trackingStreamServer struct {
	grpc.ServerStream
}

func (s *trackingStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *trackingStreamServer) Recv() (*LocationReport, error) {
	msg := new(LocationReport)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// TrackingClient is used by provider apps and tests.
type TrackingClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackingClient(cc grpc.ClientConnInterface) *TrackingClient {
	return &TrackingClient{cc: cc}
}

// Tracking_StreamLocationClient is the client side of the stream.
type Tracking_StreamLocationClient interface {
	Send(*LocationReport) error
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

func (c *TrackingClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Tracking_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &trackingServiceDesc.Streams[0], "/tracking.Tracking/StreamLocation", opts...)
	if err != nil {
		return nil, err
	}
	return &trackingStreamClient{ClientStream: stream}, nil
}

type trackingStreamClient struct {
	grpc.ClientStream
}

func (c *trackingStreamClient) Send(m *LocationReport) error { return c.ClientStream.SendMsg(m) }

func (c *trackingStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
