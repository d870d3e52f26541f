// Package grpcclient forwards broker snapshots to an upstream gRPC relay.
//
// The relay contract is a single unary method whose request and response are
// google.protobuf.Struct, so no generated stubs are needed on either side:
//
//	service Relay {
//	  rpc PushSnapshot(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
package grpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/observability"
)

const pushSnapshotMethod = "/bustrack.Relay/PushSnapshot"

type GRPCClient struct {
	conn    *grpc.ClientConn
	logger  *slog.Logger
	timeout time.Duration
	pending chan broker.Snapshot
}

// NewGRPCClient prepares a lazy connection to addr. Extra options are
// appended after the insecure transport credentials.
func NewGRPCClient(addr string, lg *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &GRPCClient{
		conn:    conn,
		logger:  lg.With("component", "grpcclient"),
		timeout: 5 * time.Second,
		pending: make(chan broker.Snapshot, 1),
	}, nil
}

func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

// Handle is a broker.Handler; a newer snapshot replaces one not yet sent.
func (g *GRPCClient) Handle(snap broker.Snapshot) {
	for {
		select {
		case g.pending <- snap:
			return
		default:
		}
		select {
		case <-g.pending:
		default:
		}
	}
}

// Run sends queued snapshots until ctx is done. Failed sends are logged and
// counted; the next snapshot supersedes them.
func (g *GRPCClient) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-g.pending:
			if err := g.SendSnapshot(ctx, snap); err != nil {
				observability.RelayErrors.WithLabelValues("grpc").Inc()
				g.logger.Warn("forward snapshot failed", "event", string(snap.Event), "err", err)
			}
		}
	}
}

func (g *GRPCClient) SendSnapshot(ctx context.Context, snap broker.Snapshot) error {
	req, err := SnapshotStruct(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, pushSnapshotMethod, req, res); err != nil {
		return err
	}
	if !res.GetFields()["success"].GetBoolValue() {
		return fmt.Errorf("relay rejected %s snapshot", snap.Event)
	}
	return nil
}

// SnapshotStruct encodes snap as {event, buses: [...]}.
func SnapshotStruct(snap broker.Snapshot) (*structpb.Struct, error) {
	buses := make([]any, 0, len(snap.Records))
	for _, r := range snap.Records {
		buses = append(buses, map[string]any{
			"id":             r.ID,
			"driverName":     r.DriverName,
			"busNumberPlate": r.BusNumberPlate,
			"inchargeName":   r.InchargeName,
			"lat":            r.Lat,
			"lng":            r.Lng,
			"arrivalTime":    r.ArrivalTime,
		})
	}
	s, err := structpb.NewStruct(map[string]any{
		"event": string(snap.Event),
		"buses": buses,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", snap.Event, err)
	}
	return s, nil
}

// RecordsFromStruct is the inverse of SnapshotStruct, for relay servers.
func RecordsFromStruct(s *structpb.Struct) (broker.Event, []bus.Record) {
	fields := s.GetFields()
	ev := broker.Event(fields["event"].GetStringValue())
	vals := fields["buses"].GetListValue().GetValues()

	out := make([]bus.Record, 0, len(vals))
	for _, v := range vals {
		f := v.GetStructValue().GetFields()
		out = append(out, bus.Record{
			ID:             f["id"].GetStringValue(),
			DriverName:     f["driverName"].GetStringValue(),
			BusNumberPlate: f["busNumberPlate"].GetStringValue(),
			InchargeName:   f["inchargeName"].GetStringValue(),
			Lat:            f["lat"].GetNumberValue(),
			Lng:            f["lng"].GetNumberValue(),
			ArrivalTime:    int(f["arrivalTime"].GetNumberValue()),
		})
	}
	return ev, out
}

// RelayServer is implemented by the receiving side.
type RelayServer interface {
	PushSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&relayServiceDesc, srv)
}

func pushSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).PushSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).PushSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "bustrack.Relay",
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushSnapshot", Handler: pushSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bustrack/relay.proto",
}
