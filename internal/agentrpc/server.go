package agentrpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/node"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

// Server implements the AgentService over node.Operations, the same
// store-backed-operations-behind-a-gRPC-facade shape as the teacher's
// internal/grpc.Server wrapping *executor.Executor.
type Server struct {
	Ops *node.Operations

	// ShrinkQueueFor resolves the shrink-queue scope for a node's scaleset,
	// mirroring the qf collaborator the scaleset reconciler is given in
	// cmd/orchestrator. May be nil (state_update(free) then
	// never offers a node up for shrink).
	ShrinkQueueFor func(scalesetID string) *shrinkqueue.Queue

	server *grpc.Server
}

// Start listens on addr and serves the AgentService until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.server = grpc.NewServer()
	s.server.RegisterService(&serviceDesc, s)

	logging.Op().Info("agentrpc server started", "addr", addr)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("agentrpc server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.MachineID == "" || req.PoolName == "" {
		return nil, status.Error(codes.InvalidArgument, "machine_id and pool_name are required")
	}
	n, err := s.Ops.Register(ctx, req.MachineID, req.PoolName, req.ScalesetID, req.Version)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "register: %v", err)
	}
	return &RegisterResponse{MachineID: n.MachineID, State: string(n.State)}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*Ack, error) {
	if err := s.Ops.Heartbeat(ctx, req.MachineID); err != nil {
		return nil, status.Errorf(codes.Internal, "heartbeat: %v", err)
	}
	return &Ack{}, nil
}

func (s *Server) StateUpdate(ctx context.Context, req *StateUpdateRequest) (*Ack, error) {
	var data *node.StateUpdateData
	if len(req.TaskIDs) > 0 || req.Error != nil {
		data = &node.StateUpdateData{TaskIDs: req.TaskIDs, Error: req.Error}
	}

	var shrink *shrinkqueue.Queue
	if s.ShrinkQueueFor != nil {
		n, err := s.Ops.Store.Nodes.Get(ctx, req.MachineID, "")
		if err != nil && err != store.ErrNotFound {
			return nil, status.Errorf(codes.Internal, "state_update: %v", err)
		}
		if n != nil && n.ScalesetID != nil {
			shrink = s.ShrinkQueueFor(*n.ScalesetID)
		}
	}

	if err := s.Ops.StateUpdate(ctx, req.MachineID, domain.NodeState(req.State), data, shrink); err != nil {
		return nil, status.Errorf(codes.Internal, "state_update: %v", err)
	}
	return &Ack{}, nil
}

func (s *Server) WorkerEvent(ctx context.Context, req *WorkerEventRequest) (*Ack, error) {
	switch req.Kind {
	case "running":
		if err := s.Ops.WorkerEventRunning(ctx, req.MachineID, req.TaskID); err != nil {
			return nil, status.Errorf(codes.Internal, "worker_event(running): %v", err)
		}
	case "done":
		if err := s.Ops.WorkerEventDone(ctx, req.MachineID, req.TaskID, req.ExitSuccess, req.ExitStatus, req.Stdout, req.Stderr); err != nil {
			return nil, status.Errorf(codes.Internal, "worker_event(done): %v", err)
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown worker_event kind %q", req.Kind)
	}
	return &Ack{}, nil
}

func (s *Server) StopTask(ctx context.Context, req *StopTaskRequest) (*Ack, error) {
	if err := s.Ops.StopTask(ctx, req.TaskID); err != nil {
		return nil, status.Errorf(codes.Internal, "stop_task: %v", err)
	}
	return &Ack{}, nil
}
