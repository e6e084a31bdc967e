package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"github.com/KevinKickass/OpenAcqCore/internal/interfaces"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements AdminServer on top of the running system.
type Server struct {
	lm     interfaces.LifecycleManager
	logger *zap.Logger
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger) *Server {
	return &Server{lm: lm, logger: logger}
}

func (s *Server) ListDevices(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list := make([]devices.DeviceView, 0)
	for _, md := range s.lm.DeviceManager().List() {
		list = append(list, devices.Describe(md, true))
	}
	return toStruct(map[string]any{"devices": list, "count": len(list)})
}

func (s *Server) ChangeBinding(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	ref, _ := fields["device"].(string)
	target, _ := fields["target"].(string)
	name, _ := fields["name"].(string)
	idx, ok := fields["cset"].(float64)
	if ref == "" || name == "" || !ok || idx < 0 || idx != float64(int(idx)) {
		return nil, status.Error(codes.InvalidArgument, "device, cset and name are required")
	}

	dev, err := s.device(ref)
	if err != nil {
		return nil, toStatus(err)
	}
	cs, err := dev.Set(int(idx))
	if err != nil {
		return nil, toStatus(err)
	}

	switch target {
	case core.TargetTransport:
		err = cs.ChangeTransport(name)
	case core.TargetTiming:
		err = cs.ChangeTiming(name)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "target %q is neither %s nor %s", target, core.TargetTransport, core.TargetTiming)
	}
	if err != nil {
		s.logger.Warn("Binding change failed",
			zap.String("device", dev.Name()),
			zap.Int("cset", cs.Index()),
			zap.String("target", target),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return toStruct(devices.DescribeDevice(dev, true).Sets[cs.Index()])
}

func (s *Server) StreamEvents(req *structpb.Struct, stream Admin_StreamEventsServer) error {
	fields := req.AsMap()
	var f events.Filter
	f.Device, _ = fields["device"].(string)
	if kinds, ok := fields["kinds"].([]any); ok {
		for _, k := range kinds {
			if ks, ok := k.(string); ok {
				f.Kinds = append(f.Kinds, core.EventKind(ks))
			}
		}
	}

	streamer := s.lm.Events()
	id, evs := streamer.Subscribe(f)
	defer streamer.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed")
			}
			msg, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) device(ref string) (*core.Device, error) {
	if md, err := s.lm.DeviceManager().Lookup(ref); err == nil {
		return md.Device, nil
	}
	return s.lm.Registry().Device(ref)
}

// toStruct goes through JSON so the struct tags of the views apply.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "unmarshal: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "struct: %v", err)
	}
	return out, nil
}

// toStatus maps core failures to gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrInvalidName), errors.Is(err, types.ErrProtocolViolation),
		errors.Is(err, types.ErrFault):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrBusy):
		code = codes.FailedPrecondition
	case errors.Is(err, types.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrOutOfSpace), errors.Is(err, types.ErrAllocationFailed):
		code = codes.ResourceExhausted
	}
	return status.Error(code, fmt.Sprintf("%s: %v", types.ErrorCode(err), err))
}
