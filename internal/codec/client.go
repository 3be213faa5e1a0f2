package codec

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// servicePath prefixes every method of the Python model service. Requests and
// replies are google.protobuf.Struct messages.
const servicePath = "/convoloop.ModelService/"

// #region client-struct
// ModelClient wraps the gRPC connection to the Python model service, which
// hosts both the mood classifier and the response generator.
type ModelClient struct {
	conn    *grpc.ClientConn // nil when built around an injected connection
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewModelClient connects to the model service. Each call is bounded by
// timeout when it is positive.
func NewModelClient(addr string, timeout time.Duration) (*ModelClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &ModelClient{conn: conn, cc: conn, timeout: timeout}, nil
}

// NewModelClientWithConn creates a ModelClient over an existing connection.
// Used for testing without a real server.
func NewModelClientWithConn(cc grpc.ClientConnInterface, timeout time.Duration) *ModelClient {
	return &ModelClient{cc: cc, timeout: timeout}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *ModelClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region invoke
func (c *ModelClient) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, servicePath+method, in, out); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out, nil
}

func field(s *structpb.Struct, name string) (*structpb.Value, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, fmt.Errorf("reply has no %q field", name)
	}
	return v, nil
}

// #endregion invoke

// #region classify
// Classify asks the service for the mood of text.
func (c *ModelClient) Classify(ctx context.Context, text string) (convo.Mood, error) {
	resp, err := c.call(ctx, "Classify", map[string]any{"text": text})
	if err != nil {
		return 0, err
	}
	v, err := field(resp, "mood")
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	mood, err := convo.ParseMood(v.GetStringValue())
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	return mood, nil
}

// #endregion classify

// #region training
// PrepareTraining hands a training slice to the service.
func (c *ModelClient) PrepareTraining(ctx context.Context, ds convo.Dataset) error {
	records := make([]any, len(ds.Records))
	for i, r := range ds.Records {
		records[i] = map[string]any{
			"context":  r.Context,
			"input":    r.Input,
			"response": r.Response,
			"mood":     r.Mood.String(),
		}
	}
	_, err := c.call(ctx, "PrepareTraining", map[string]any{
		"slice_id": ds.ID,
		"epoch":    ds.Epoch,
		"records":  records,
	})
	return err
}

// PrepareInference switches the service's classifier to evaluation mode.
func (c *ModelClient) PrepareInference(ctx context.Context) error {
	_, err := c.call(ctx, "PrepareInference", map[string]any{})
	return err
}

// Step runs one training step and reports whether the epoch finished.
func (c *ModelClient) Step(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, "Step", map[string]any{})
	if err != nil {
		return false, err
	}
	v, err := field(resp, "done")
	if err != nil {
		return false, fmt.Errorf("step: %w", err)
	}
	return v.GetBoolValue(), nil
}

// Checkpoint asks the service to persist the classifier weights.
func (c *ModelClient) Checkpoint(ctx context.Context) error {
	_, err := c.call(ctx, "Checkpoint", map[string]any{})
	return err
}

// #endregion training

// #region generate
// Generate returns the raw generator output for prompt.
func (c *ModelClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.call(ctx, "Generate", map[string]any{"prompt": prompt})
	if err != nil {
		return "", err
	}
	v, err := field(resp, "text")
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return v.GetStringValue(), nil
}

// #endregion generate

// #region views
// Classifier exposes the client under the coordinator's classifier contract.
func (c *ModelClient) Classifier() *ClassifierService {
	return &ClassifierService{c: c}
}

// Generator exposes the client under the coordinator's generator contract.
func (c *ModelClient) Generator() *GeneratorService {
	return &GeneratorService{c: c}
}

// ClassifierService is the classifier half of the model service. It satisfies
// loop.Classifier and loop.Checkpointer.
type ClassifierService struct{ c *ModelClient }

// Infer classifies text.
func (s *ClassifierService) Infer(ctx context.Context, text string) (convo.Mood, error) {
	return s.c.Classify(ctx, text)
}

// PrepareTraining sends a training slice.
func (s *ClassifierService) PrepareTraining(ctx context.Context, ds convo.Dataset) error {
	return s.c.PrepareTraining(ctx, ds)
}

// PrepareInference switches the classifier to evaluation mode.
func (s *ClassifierService) PrepareInference(ctx context.Context) error {
	return s.c.PrepareInference(ctx)
}

// Step runs one training step.
func (s *ClassifierService) Step(ctx context.Context) (bool, error) {
	return s.c.Step(ctx)
}

// Checkpoint persists the classifier weights.
func (s *ClassifierService) Checkpoint(ctx context.Context) error {
	return s.c.Checkpoint(ctx)
}

// GeneratorService is the generator half of the model service. It satisfies
// loop.Generator.
type GeneratorService struct{ c *ModelClient }

// Infer returns raw generator output for prompt.
func (s *GeneratorService) Infer(ctx context.Context, prompt string) (string, error) {
	return s.c.Generate(ctx, prompt)
}

// #endregion views
