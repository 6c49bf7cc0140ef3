// Package server adapts the broker's façade onto a gRPC transport. Wire
// types live in api/proto/v1, generated by protoc/buf from broker.proto
// (not checked in, see the Makefile's proto target). This file only
// contains the hand-written mapping between pb.* wire messages and
// pkg/types domain values, the same division of labor the rest of the
// corpus draws between a generated client/server stub and its adapter.
package server

import (
	"context"
	"log/slog"

	pb "github.com/provingbroker/broker/api/proto/v1"
	"github.com/provingbroker/broker/internal/broker"
	"github.com/provingbroker/broker/pkg/types"
)

var log = slog.Default()

// Server implements pb.BrokerServiceServer over a *broker.Broker.
type Server struct {
	pb.UnimplementedBrokerServiceServer

	b *broker.Broker
}

// New wraps b as a gRPC BrokerService.
func New(b *broker.Broker) *Server {
	return &Server{b: b}
}

func (s *Server) Enqueue(ctx context.Context, req *pb.EnqueueRequest) (*pb.EnqueueResponse, error) {
	job := pbToJob(req.GetJob())
	err := s.b.Enqueue(ctx, job)
	switch {
	case err == nil:
		return &pb.EnqueueResponse{}, nil
	case isDuplicateConflict(err):
		return &pb.EnqueueResponse{DuplicateConflict: true}, nil
	default:
		return nil, err
	}
}

func (s *Server) Cancel(ctx context.Context, req *pb.CancelRequest) (*pb.CancelResponse, error) {
	if err := s.b.Cancel(ctx, types.JobID(req.GetJobId())); err != nil {
		return nil, err
	}
	return &pb.CancelResponse{}, nil
}

func (s *Server) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	result := s.b.Status(ctx, types.JobID(req.GetJobId()))
	return &pb.StatusResponse{
		Status:  statusToPb(result.Status),
		Outcome: outcomeToPb(result.Outcome),
	}, nil
}

func (s *Server) Acquire(ctx context.Context, req *pb.AcquireRequest) (*pb.AcquireResponse, error) {
	allow := pbToClasses(req.GetAllowList())
	job, ok := s.b.Acquire(ctx, allow)
	if !ok {
		return &pb.AcquireResponse{Found: false}, nil
	}
	return &pb.AcquireResponse{Found: true, Job: jobToPb(job)}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	var allow []types.ProofClass
	if req.GetAllowListGiven() {
		allow = pbToClasses(req.GetAllowList())
	}
	result := s.b.Heartbeat(ctx, types.JobID(req.GetJobId()), allow)
	if result.Acquired == nil {
		return &pb.HeartbeatResponse{}, nil
	}
	return &pb.HeartbeatResponse{Acquired: true, Job: jobToPb(*result.Acquired)}, nil
}

func (s *Server) ReportSuccess(ctx context.Context, req *pb.ReportSuccessRequest) (*pb.ReportSuccessResponse, error) {
	if err := s.b.ReportSuccess(ctx, types.JobID(req.GetJobId()), req.GetValue()); err != nil {
		return nil, err
	}
	return &pb.ReportSuccessResponse{}, nil
}

func (s *Server) ReportFailure(ctx context.Context, req *pb.ReportFailureRequest) (*pb.ReportFailureResponse, error) {
	err := s.b.ReportFailure(ctx, types.JobID(req.GetJobId()), req.GetReason(), req.GetRetryRequested())
	if err != nil {
		return nil, err
	}
	return &pb.ReportFailureResponse{}, nil
}

func isDuplicateConflict(err error) bool {
	return err == broker.ErrDuplicateIdConflict
}

func pbToJob(j *pb.Job) types.Job {
	if j == nil {
		return types.Job{}
	}
	return types.Job{
		ID:      types.JobID(j.GetId()),
		Class:   pbToClass(j.GetClass()),
		Epoch:   j.GetEpoch(),
		Payload: j.GetPayload(),
	}
}

func jobToPb(j types.Job) *pb.Job {
	return &pb.Job{
		Id:      string(j.ID),
		Class:   classToPb(j.Class),
		Epoch:   j.Epoch,
		Payload: j.Payload,
	}
}

func outcomeToPb(o types.Outcome) *pb.Outcome {
	return &pb.Outcome{
		IsFailure: o.IsFailure,
		Value:     o.Value,
		Reason:    o.Reason,
	}
}

func statusToPb(s types.Status) pb.Status {
	switch s {
	case types.StatusNotFound:
		return pb.Status_NOT_FOUND
	case types.StatusQueued:
		return pb.Status_QUEUED
	case types.StatusInProgress:
		return pb.Status_IN_PROGRESS
	case types.StatusResolved:
		return pb.Status_RESOLVED
	case types.StatusRejected:
		return pb.Status_REJECTED
	default:
		return pb.Status_STATUS_UNSPECIFIED
	}
}

var classToPbTable = map[types.ProofClass]pb.ProofClass{
	types.ProofClassPublicVM:             pb.ProofClass_PUBLIC_VM,
	types.ProofClassTubeProof:            pb.ProofClass_TUBE_PROOF,
	types.ProofClassPrivateKernelEmpty:   pb.ProofClass_PRIVATE_KERNEL_EMPTY,
	types.ProofClassPrivateBaseRollup:    pb.ProofClass_PRIVATE_BASE_ROLLUP,
	types.ProofClassPublicBaseRollup:     pb.ProofClass_PUBLIC_BASE_ROLLUP,
	types.ProofClassMergeRollup:          pb.ProofClass_MERGE_ROLLUP,
	types.ProofClassRootRollup:           pb.ProofClass_ROOT_ROLLUP,
	types.ProofClassBlockMergeRollup:     pb.ProofClass_BLOCK_MERGE_ROLLUP,
	types.ProofClassBlockRootRollup:      pb.ProofClass_BLOCK_ROOT_ROLLUP,
	types.ProofClassEmptyBlockRootRollup: pb.ProofClass_EMPTY_BLOCK_ROOT_ROLLUP,
	types.ProofClassBaseParity:           pb.ProofClass_BASE_PARITY,
	types.ProofClassRootParity:           pb.ProofClass_ROOT_PARITY,
}

var pbToClassTable = func() map[pb.ProofClass]types.ProofClass {
	m := make(map[pb.ProofClass]types.ProofClass, len(classToPbTable))
	for k, v := range classToPbTable {
		m[v] = k
	}
	return m
}()

func classToPb(c types.ProofClass) pb.ProofClass {
	if v, ok := classToPbTable[c]; ok {
		return v
	}
	return pb.ProofClass_PROOF_CLASS_UNSPECIFIED
}

func pbToClass(c pb.ProofClass) types.ProofClass {
	if v, ok := pbToClassTable[c]; ok {
		return v
	}
	return ""
}

func pbToClasses(in []pb.ProofClass) []types.ProofClass {
	if in == nil {
		return nil
	}
	out := make([]types.ProofClass, 0, len(in))
	for _, c := range in {
		out = append(out, pbToClass(c))
	}
	return out
}
