// Package detector runs a single-class YOLO-style face model through ONNX
// Runtime and returns candidate boxes for a frame.
package detector

import (
	"context"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/propagation"
)

const componentName = "detector"

const (
	DefaultInputSize    = 640
	DefaultPredictions  = 8400
	DefaultScoreFloor   = 0.25
	DefaultIoUThreshold = 0.45
	defaultInputName    = "images"
	defaultOutputName   = "output0"
)

// Config configures an ONNXDetector.
type Config struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the loader default

	InputWidth  int
	InputHeight int
	Predictions int // N in the [1,5,N] output
	Normalized  bool

	InputName  string
	OutputName string

	ScoreFloor   float64
	IoUThreshold float64
	Threads      int
}

func (c *Config) applyDefaults() {
	if c.InputWidth <= 0 {
		c.InputWidth = DefaultInputSize
	}
	if c.InputHeight <= 0 {
		c.InputHeight = DefaultInputSize
	}
	if c.Predictions <= 0 {
		c.Predictions = DefaultPredictions
	}
	if c.InputName == "" {
		c.InputName = defaultInputName
	}
	if c.OutputName == "" {
		c.OutputName = defaultOutputName
	}
	if c.ScoreFloor <= 0 {
		c.ScoreFloor = DefaultScoreFloor
	}
	if c.IoUThreshold <= 0 {
		c.IoUThreshold = DefaultIoUThreshold
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
}

// session is the part of ort.AdvancedSession the detector drives.
type session interface {
	Run() error
}

// ONNXDetector implements propagation.Detector. Estimate calls are serialized
// because the input and output tensors are shared.
type ONNXDetector struct {
	cfg     Config
	log     logger.Logger
	session session
	input   []float32
	output  []float32
	destroy func()

	mu     sync.Mutex
	closed bool
}

var _ propagation.Detector = (*ONNXDetector)(nil)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes the ONNX Runtime environment once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// NewONNXDetector loads the model and allocates its tensors.
func NewONNXDetector(cfg Config) (*ONNXDetector, error) {
	cfg.applyDefaults()
	log := logger.Global().Module(componentName)

	if cfg.ModelPath == "" {
		return nil, errors.Newf("detector model path is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Context("library_path", cfg.LibraryPath).
			Build()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Context("operation", "session_options").
			Build()
	}
	defer func() { _ = options.Destroy() }()
	_ = options.SetIntraOpNumThreads(cfg.Threads)
	_ = options.SetInterOpNumThreads(1)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)))
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Context("operation", "input_tensor").
			Build()
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, outputChannels, int64(cfg.Predictions)))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelInit).
			Context("operation", "output_tensor").
			Build()
	}

	start := time.Now()
	sess, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Context("model_path", cfg.ModelPath).
			Build()
	}

	log.Info("detector model loaded",
		logger.String("model_path", cfg.ModelPath),
		logger.Int("input_width", cfg.InputWidth),
		logger.Int("input_height", cfg.InputHeight),
		logger.Int("predictions", cfg.Predictions),
		logger.Int("threads", cfg.Threads),
		logger.Duration("load_time", time.Since(start)))

	return newDetector(cfg, log, sess, inputTensor.GetData(), outputTensor.GetData(), func() {
		_ = sess.Destroy()
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
	}), nil
}

func newDetector(cfg Config, log logger.Logger, s session, input, output []float32, destroy func()) *ONNXDetector {
	return &ONNXDetector{
		cfg:     cfg,
		log:     log,
		session: s,
		input:   input,
		output:  output,
		destroy: destroy,
	}
}

// Estimate runs the model on frame. Returned boxes are in frame pixels,
// unclamped, ordered by descending score after non-maximum suppression.
func (d *ONNXDetector) Estimate(ctx context.Context, frame image.Image, opts propagation.EstimateOptions) ([]annotation.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame == nil || frame.Bounds().Empty() {
		return nil, errors.Newf("empty frame").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Newf("detector is closed").
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}

	bounds := frame.Bounds()
	src := frame
	if opts.FlipHorizontal {
		src = imaging.FlipH(frame)
	}

	start := time.Now()
	Preprocess(src, d.cfg.InputWidth, d.cfg.InputHeight, d.input)

	if err := d.session.Run(); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryDetector).
			Context("operation", "inference").
			Timing("inference", time.Since(start)).
			Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dets := Decode(d.output, d.cfg.Predictions, Geometry{
		InputWidth:   d.cfg.InputWidth,
		InputHeight:  d.cfg.InputHeight,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
		Normalized:   d.cfg.Normalized,
	}, d.cfg.ScoreFloor)
	candidates := len(dets)
	dets = NMS(dets, d.cfg.IoUThreshold)
	if opts.FlipHorizontal {
		mirror(dets, bounds.Dx())
	}

	d.log.Trace("frame estimated",
		logger.Int("candidates", candidates),
		logger.Int("kept", len(dets)),
		logger.Bool("flipped", opts.FlipHorizontal),
		logger.Duration("elapsed", time.Since(start)))
	return dets, nil
}

// Close releases the session and tensors. Calling it again is a no-op.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.destroy != nil {
		d.destroy()
	}
	d.log.Debug("detector closed")
	return nil
}
