// Package onnxdet runs plate detection models through ONNX Runtime.
package onnxdet

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/routecall/routecall/pkg/nn"
	"github.com/routecall/routecall/pkg/perfstats"
	ort "github.com/yalue/onnxruntime_go"
)

// Options control the ONNX Runtime session. The zero value is usable.
type Options struct {
	LibraryPath    string // Path to the onnxruntime shared library. Empty uses the default search path.
	InputName      string // Model input node name. Empty means "images".
	OutputName     string // Model output node name. Empty means "output0".
	IntraOpThreads int    // 0 lets the runtime decide
	InterOpThreads int    // 0 lets the runtime decide
}

// Detector implements nn.ObjectDetector on top of an ONNX model file.
// A Detector is safe for concurrent use; ONNX Runtime sessions allow
// concurrent Run calls.
type Detector struct {
	config  *nn.ModelConfig
	session *ort.DynamicAdvancedSession

	// The output layout is resolved from the first inference and reused.
	shapeLock  sync.Mutex
	shapeKnown bool
	shape      nn.OutputShape
}

var (
	initOnce sync.Once
	initErr  error
)

// The environment is process-wide in ONNX Runtime, so we initialize it once,
// with whichever library path the first detector specified.
func initRuntime(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// NewDetector loads an ONNX model. The model's config is expected alongside
// the weights, eg "plate.json" next to "plate.onnx".
func NewDetector(modelPath string, options Options) (*Detector, error) {
	configPath := strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
	config, err := nn.LoadModelConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model config %v: %w", configPath, err)
	}
	if config.Width <= 0 || config.Width != config.Height {
		return nil, fmt.Errorf("model %v: expected a square input resolution, have %vx%v", modelPath, config.Width, config.Height)
	}

	if err := initRuntime(options.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer sessionOptions.Destroy()
	if options.IntraOpThreads != 0 {
		sessionOptions.SetIntraOpNumThreads(options.IntraOpThreads)
	}
	if options.InterOpThreads != 0 {
		sessionOptions.SetInterOpNumThreads(options.InterOpThreads)
	}
	sessionOptions.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	inputName := options.InputName
	if inputName == "" {
		inputName = "images"
	}
	outputName := options.OutputName
	if outputName == "" {
		outputName = "output0"
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %v: %w", modelPath, err)
	}

	return &Detector{
		config:  config,
		session: session,
	}, nil
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
}

func (d *Detector) Config() *nn.ModelConfig {
	return d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.Detection, error) {
	start := time.Now()
	tensor, xform, err := nn.PrepareTensor(img, d.config.Width)
	if err != nil {
		return nil, err
	}
	perfstats.UpdateMovingAverage(&perfstats.Stats.TensorPrepNanosecondsPerFrame, time.Since(start).Nanoseconds())

	start = time.Now()
	raw, err := d.infer(tensor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrInferenceFailed, err)
	}
	perfstats.UpdateMovingAverage(&perfstats.Stats.InferenceNanosecondsPerFrame, time.Since(start).Nanoseconds())

	shape := d.resolveShape(len(raw))
	return nn.DecodeOutput(raw, shape, img.CropWidth, img.CropHeight, xform, d.config, params), nil
}

// infer runs the model and returns a copy of the flat output buffer.
// The input tensor is destroyed exactly once on every path, and the output
// is copied out before its engine-owned backing memory is released.
func (d *Detector) infer(tensor []float32) ([]float32, error) {
	size := int64(d.config.Width)
	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), tensor)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	// A nil output slot tells the runtime to allocate the output for us
	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, err
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	data := out.GetData()
	raw := make([]float32, len(data))
	copy(raw, data)
	return raw, nil
}

func (d *Detector) resolveShape(totalLen int) nn.OutputShape {
	d.shapeLock.Lock()
	defer d.shapeLock.Unlock()
	if !d.shapeKnown {
		d.shape = nn.InferOutputShape(totalLen, len(d.config.Classes))
		d.shapeKnown = true
	}
	return d.shape
}
