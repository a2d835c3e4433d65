package gps

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// StreamServer feeds uploaded reports into the ingest. Bad samples are
// counted and skipped so one malformed report does not end the upload.
type StreamServer struct {
	ingest *Ingest
	logger *zap.Logger
}

func NewStreamServer(ingest *Ingest, logger *zap.Logger) *StreamServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamServer{ingest: ingest, logger: logger}
}

// NewGRPCServer builds a gRPC server with the tracking service registered.
func NewGRPCServer(ingest *Ingest, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(JSONCodec{})}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterTrackingServer(srv, NewStreamServer(ingest, logger))
	return srv
}

func (s *StreamServer) StreamReports(stream ReportStream) error {
	var ack StreamAck
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		in, err := msg.input()
		if err != nil {
			ack.Rejected++
			continue
		}
		res, err := s.ingest.Report(stream.Context(), in)
		switch {
		case errors.Is(err, domain.ErrPersistence):
			s.logger.Error("gps stream report", zap.Error(err))
			return status.Error(codes.Unavailable, err.Error())
		case err != nil:
			ack.Rejected++
			s.logger.Debug("gps stream report rejected", zap.String("ride_id", msg.RideID), zap.Error(err))
			continue
		}
		ack.Accepted++
		if res.Latest {
			ack.Latest++
		}
	}
}
