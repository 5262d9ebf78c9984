package backbone

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// SharedLibraryEnv overrides the ONNX Runtime library location.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Execution provider backends.
const (
	ProviderCPU      = "cpu"
	ProviderCUDA     = "cuda"
	ProviderCoreML   = "coreml"
	ProviderOpenVINO = "openvino"
)

// Config configures the ONNX backbone.
type Config struct {
	// Variant is the ResNet depth the model was exported from.
	Variant string `json:"variant" yaml:"variant"`
	// ModelPath is the exported backbone graph.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibraryPath locates the ONNX Runtime library. Empty uses
	// $ONNXRUNTIME_SHARED_LIBRARY_PATH or the platform default.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// InputName is the graph input (default "input").
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the layer2 and layer3 graph outputs (default "layer2", "layer3").
	OutputNames [2]string `json:"output_names" yaml:"output_names"`
	// Provider selects the execution provider backend (default "cpu").
	Provider string `json:"provider" yaml:"provider"`
	// DeviceID selects the accelerator for CUDA and OpenVINO.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// IntraOpThreads parallelises work inside graph nodes. 0 lets ONNX Runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelises independent graph nodes. 0 lets ONNX Runtime decide.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Variant == "" {
		c.Variant = DefaultVariant
	}
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputNames[0] == "" {
		c.OutputNames[0] = "layer2"
	}
	if c.OutputNames[1] == "" {
		c.OutputNames[1] = "layer3"
	}
	if c.Provider == "" {
		c.Provider = ProviderCPU
	}
	return c
}

// ONNX runs an exported backbone graph with ONNX Runtime.
type ONNX struct {
	cfg     Config
	variant Variant
	session *ort.DynamicAdvancedSession
	logger  *zap.Logger
}

var envMu sync.Mutex

// SharedLibPath returns the ONNX Runtime library path for the current platform.
//
// Returns:
//   - string: The configured path, the environment override, or the platform default.
func SharedLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv(SharedLibraryEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// InitializeRuntime loads the ONNX Runtime library once per process.
func InitializeRuntime(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	return nil
}

// NewONNX creates a backbone session.
//
// Order of operations:
//  1. Variant lookup: Resolves the expected channel counts.
//  2. Environment setup: Loads the native runtime once per process.
//  3. Session options: Threading, optimization level, and execution provider.
//  4. Session creation: Binds input and output names with dynamic shapes.
//
// Arguments:
//   - cfg: The backbone configuration.
//   - logger: Receives setup messages; nil disables logging.
//
// Returns:
//   - *ONNX: The backbone.
//   - error: If the library, model, or provider cannot be loaded.
func NewONNX(cfg Config, logger *zap.Logger) (*ONNX, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	variant, err := LookupVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("backbone model not found at %s: %w", cfg.ModelPath, err)
	}

	libPath := SharedLibPath(cfg.SharedLibraryPath)
	if err := InitializeRuntime(libPath); err != nil {
		return nil, err
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		cfg.OutputNames[:],
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}

	logger.Info("backbone session created",
		zap.String("model", cfg.ModelPath),
		zap.String("variant", variant.Name),
		zap.String("provider", cfg.Provider),
		zap.String("library", libPath),
	)

	return &ONNX{cfg: cfg, variant: variant, session: session, logger: logger}, nil
}

// sessionOptions builds ORT session options for cfg.
func sessionOptions(cfg Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	fail := func(err error) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, err
	}

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return fail(fmt.Errorf("error setting intra-op threads: %w", err))
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return fail(fmt.Errorf("error setting inter-op threads: %w", err))
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return fail(fmt.Errorf("error setting graph optimization level: %w", err))
	}

	switch cfg.Provider {
	case ProviderCPU:
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(fmt.Errorf("error creating CUDA options: %w", err))
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprintf("%d", cfg.DeviceID)}); err != nil {
			return fail(fmt.Errorf("error updating CUDA options: %w", err))
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(fmt.Errorf("error enabling CUDA: %w", err))
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(fmt.Errorf("error enabling CoreML: %w", err))
		}
	case ProviderOpenVINO:
		err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_id":   fmt.Sprintf("%d", cfg.DeviceID),
			"device_type": "CPU",
			"precision":   "FP32",
		})
		if err != nil {
			return fail(fmt.Errorf("error enabling OpenVINO: %w", err))
		}
	default:
		return fail(fmt.Errorf("unsupported execution provider: %q", cfg.Provider))
	}

	return options, nil
}

// Channels returns the channel counts of the two feature levels.
func (b *ONNX) Channels() (int, int) {
	return b.variant.ChannelsL1, b.variant.ChannelsL2
}

// Extract runs the backbone on a [N, 3, H, W] float32 tensor.
func (b *ONNX) Extract(ctx context.Context, input *tensor.Dense) (Features, error) {
	if err := ctx.Err(); err != nil {
		return Features{}, err
	}
	if input == nil || input.Dims() != 4 || input.Shape()[1] != 3 || input.Dtype() != tensor.Float32 {
		return Features{}, errors.New("backbone: input must be a [N, 3, H, W] float32 tensor")
	}
	if input.IsMaterializable() {
		input = input.Materialize().(*tensor.Dense)
	}

	shape := input.Shape()
	in, err := ort.NewTensor(
		ort.NewShape(int64(shape[0]), int64(shape[1]), int64(shape[2]), int64(shape[3])),
		input.Data().([]float32),
	)
	if err != nil {
		return Features{}, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := b.session.Run([]ort.Value{in}, outputs); err != nil {
		return Features{}, fmt.Errorf("failed to run backbone: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	l1, err := toDense(outputs[0])
	if err != nil {
		return Features{}, errors.Wrapf(err, "output %s", b.cfg.OutputNames[0])
	}
	l2, err := toDense(outputs[1])
	if err != nil {
		return Features{}, errors.Wrapf(err, "output %s", b.cfg.OutputNames[1])
	}

	f := Features{L1: l1, L2: l2}
	if err := CheckFeatures(f, shape[0], b.variant); err != nil {
		return Features{}, err
	}
	b.logger.Debug("backbone features",
		zap.Ints("l1", l1.Shape()),
		zap.Ints("l2", l2.Shape()),
	)
	return f, nil
}

// Close destroys the session.
func (b *ONNX) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	if err != nil {
		return fmt.Errorf("error destroying ORT session: %w", err)
	}
	return nil
}

// toDense copies an ORT float32 output into a gorgonia tensor.
func toDense(v ort.Value) (*tensor.Dense, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want float32 tensor", ErrOutputShape, v)
	}
	dims := t.GetShape()
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
