package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// ReportMessage is one sample on the tracking stream.
type ReportMessage struct {
	RideID       string  `json:"ride_id"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	ETASeconds   int     `json:"eta"`
	Route        string  `json:"route,omitempty"`
	ObservedAtMs int64   `json:"observed_at_ms"`
}

func (m *ReportMessage) input() (ReportInput, error) {
	id, err := uuid.Parse(m.RideID)
	if err != nil {
		return ReportInput{}, fmt.Errorf("ride_id: %w", err)
	}
	in := ReportInput{
		RideID:     id,
		Point:      domain.GeoPoint{Lat: m.Lat, Lng: m.Lng},
		ETASeconds: m.ETASeconds,
		Route:      m.Route,
	}
	if m.ObservedAtMs > 0 {
		in.ObservedAt = time.UnixMilli(m.ObservedAtMs).UTC()
	}
	return in, nil
}

// StreamAck summarises a finished stream.
type StreamAck struct {
	Accepted int `json:"accepted"`
	Latest   int `json:"latest"`
	Rejected int `json:"rejected"`
}

// JSONCodec carries stream messages as JSON; the messages are plain structs.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// TrackingServer is the server side of gps.Tracking.
type TrackingServer interface {
	StreamReports(ReportStream) error
}

// ReportStream is the server view of a client-streaming upload.
type ReportStream interface {
	grpc.ServerStream
	Recv() (*ReportMessage, error)
	SendAndClose(*StreamAck) error
}

var trackingServiceDesc = grpc.ServiceDesc{
	ServiceName: "gps.Tracking",
	HandlerType: (*TrackingServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamReports",
		Handler:       streamReportsHandler,
		ClientStreams: true,
	}},
	Metadata: "gps/tracking",
}

// RegisterTrackingServer registers srv. The server must be built with
// grpc.ForceServerCodec(JSONCodec{}).
func RegisterTrackingServer(s grpc.ServiceRegistrar, srv TrackingServer) {
	s.RegisterService(&trackingServiceDesc, srv)
}

func streamReportsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TrackingServer).StreamReports(&reportStream{ServerStream: stream})
}

type reportStream struct {
	grpc.ServerStream
}

func (s *reportStream) Recv() (*ReportMessage, error) {
	msg := new(ReportMessage)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *reportStream) SendAndClose(ack *StreamAck) error {
	return s.ServerStream.SendMsg(ack)
}

// TrackingClient uploads report streams.
type TrackingClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackingClient(cc grpc.ClientConnInterface) *TrackingClient {
	return &TrackingClient{cc: cc}
}

// StreamReports opens an upload stream.
func (c *TrackingClient) StreamReports(ctx context.Context, opts ...grpc.CallOption) (*ReportUploader, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &trackingServiceDesc.Streams[0], "/gps.Tracking/StreamReports", opts...)
	if err != nil {
		return nil, err
	}
	return &ReportUploader{ClientStream: stream}, nil
}

// ReportUploader is the client view of an upload stream.
type ReportUploader struct {
	grpc.ClientStream
}

func (u *ReportUploader) Send(m *ReportMessage) error {
	return u.ClientStream.SendMsg(m)
}

// CloseAndRecv ends the upload and waits for the server's summary.
func (u *ReportUploader) CloseAndRecv() (*StreamAck, error) {
	if err := u.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(StreamAck)
	if err := u.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
