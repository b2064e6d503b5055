package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "dsforge/api/v1"
	"dsforge/internal/config"
	"dsforge/internal/execution"
	"dsforge/internal/faults"
	"dsforge/internal/logging"
	"dsforge/internal/model"
	"dsforge/internal/spec"
)

// Service is what the control API drives.
type Service interface {
	Submit(ctx context.Context, id string, cfg spec.Pipeline) (executionID, outputDatasetID string, err error)
	Get(ctx context.Context, id string) (execution.Execution, error)
	Cancel(ctx context.Context, id, reason string) error
	Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error)
}

// FieldExecutionID may be set next to the pipeline fields of a
// SubmitPipeline request to choose the execution id.
const FieldExecutionID = "execution_id"

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

// StartServer listens on port and registers the control service. Serve
// must be called to accept connections.
func StartServer(port int, svc Service) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis, svc), nil
}

func NewServer(lis net.Listener, svc Service) *Server {
	s := &Server{
		grpc: grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logging.L().With("component", "grpc")))),
		lis:  lis,
	}
	pb.RegisterControlServer(s.grpc, &control{svc: svc})
	return s
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func logUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "err", err)
		} else {
			log.Debug("rpc", "method", info.FullMethod, "took", time.Since(start))
		}
		return resp, err
	}
}

type control struct {
	pb.UnimplementedControlServer
	svc Service
}

func (c *control) Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("pong"), nil
}

func (c *control) SubmitPipeline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, cfg, err := decodePipeline(req)
	if err != nil {
		return nil, err
	}
	execID, outID, err := c.svc.Submit(ctx, id, cfg)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"execution_id":      execID,
		"output_dataset_id": outID,
	})
}

func (c *control) GetExecution(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "execution id is required")
	}
	exec, err := c.svc.Get(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(newExecutionView(exec))
}

func (c *control) CancelExecution(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "execution id is required")
	}
	if err := c.svc.Cancel(ctx, req.GetValue(), "cancelled over control api"); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *control) PlanPreview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, cfg, err := decodePipeline(req)
	if err != nil {
		return nil, err
	}
	p, err := c.svc.Preview(ctx, cfg)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"total_images":     p.TotalImages(),
		"copy_only":        p.CopyOnlyCount(),
		"transform":        p.TransformCount(),
		"classes":          toAny(p.Output.CategoryNames()),
		"annotation_count": p.Output.AnnotationCount(),
		"format":           p.Output.Format,
	})
}

// decodePipeline reads a pipeline document with the same strictness as a
// pipeline file.
func decodePipeline(req *structpb.Struct) (string, spec.Pipeline, error) {
	fields := req.AsMap()
	id, _ := fields[FieldExecutionID].(string)
	delete(fields, FieldExecutionID)
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", spec.Pipeline{}, status.Error(codes.InvalidArgument, err.Error())
	}
	cfg, err := config.ParsePipelineJSON(raw)
	if err != nil {
		return "", spec.Pipeline{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, cfg, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, faults.ErrConfiguration), errors.Is(err, faults.ErrDataIntegrity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, faults.ErrUnknownExecution):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, faults.ErrAlreadyActive), errors.Is(err, faults.ErrDuplicateID):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, faults.ErrNotActive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, faults.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, faults.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type executionView struct {
	ID              string        `json:"id"`
	OutputDatasetID string        `json:"output_dataset_id"`
	Status          string        `json:"status"`
	Stage           string        `json:"stage,omitempty"`
	Processed       int           `json:"processed"`
	Total           int           `json:"total"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Config          spec.Pipeline `json:"config"`
}

func newExecutionView(e execution.Execution) executionView {
	return executionView{
		ID:              e.ID,
		OutputDatasetID: e.OutputDatasetID,
		Status:          string(e.Status),
		Stage:           string(e.Stage),
		Processed:       e.Processed,
		Total:           e.Total,
		ErrorMessage:    e.ErrorMessage,
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
		Config:          e.Config,
	}
}

// toStruct goes through JSON so nested values end up as types structpb
// accepts.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
