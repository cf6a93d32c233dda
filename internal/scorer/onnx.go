package scorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibraryEnv names the variable pointing at the onnxruntime library.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// ErrRuntimeUnavailable is returned when onnxruntime cannot be loaded.
var ErrRuntimeUnavailable = errors.New("scorer: onnxruntime unavailable")

var ortInit struct {
	once sync.Once
	err  error
}

func initRuntime() error {
	ortInit.once.Do(func() {
		lib := strings.TrimSpace(os.Getenv(SharedLibraryEnv))
		if lib == "" {
			ortInit.err = fmt.Errorf("%w: %s is not set", ErrRuntimeUnavailable, SharedLibraryEnv)
			return
		}
		ort.SetSharedLibraryPath(lib)
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				ortInit.err = fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
			}
		}
	})
	return ortInit.err
}

// ONNXOptions describes an externally trained model graph.
type ONNXOptions struct {
	Width      int    `json:"width"`
	Input      string `json:"input"`
	Output     string `json:"output"`
	OutputSize int    `json:"output_size"` // 1 = attack score, 2 = [benign, attack]
	Logits     bool   `json:"logits"`      // apply a sigmoid to the attack output
}

type onnxState struct {
	ONNXOptions
	Model []byte `json:"model"`
}

// ONNX scores vectors with an imported onnxruntime graph. The graph bytes are
// kept so the scorer can be persisted inside an artifact.
type ONNX struct {
	state onnxState

	mu      sync.Mutex
	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	out     *ort.Tensor[float32]
}

// NewONNX opens a session over model. Input and output default to "input"
// and "output"; OutputSize defaults to 1.
func NewONNX(model []byte, opts ONNXOptions) (*ONNX, error) {
	if len(model) == 0 {
		return nil, fmt.Errorf("scorer: empty onnx model")
	}
	if opts.Width <= 0 {
		return nil, fmt.Errorf("scorer: onnx width %d", opts.Width)
	}
	if opts.Input == "" {
		opts.Input = "input"
	}
	if opts.Output == "" {
		opts.Output = "output"
	}
	if opts.OutputSize == 0 {
		opts.OutputSize = 1
	}
	if opts.OutputSize != 1 && opts.OutputSize != 2 {
		return nil, fmt.Errorf("scorer: onnx output size %d", opts.OutputSize)
	}
	o := &ONNX{state: onnxState{ONNXOptions: opts, Model: model}}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *ONNX) open() error {
	if err := initRuntime(); err != nil {
		return err
	}
	in, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(o.state.Width)))
	if err != nil {
		return fmt.Errorf("scorer: allocate onnx input: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(o.state.OutputSize)))
	if err != nil {
		in.Destroy()
		return fmt.Errorf("scorer: allocate onnx output: %w", err)
	}
	session, err := ort.NewAdvancedSessionWithONNXData(
		o.state.Model,
		[]string{o.state.Input},
		[]string{o.state.Output},
		[]ort.Value{in},
		[]ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return fmt.Errorf("scorer: create onnx session: %w", err)
	}
	o.session, o.in, o.out = session, in, out
	return nil
}

func decodeONNX(raw json.RawMessage) (*ONNX, error) {
	var st onnxState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return NewONNX(st.Model, st.ONNXOptions)
}

// Kind implements Scorer.
func (o *ONNX) Kind() Kind { return KindONNX }

// Width implements Scorer.
func (o *ONNX) Width() int { return o.state.Width }

// Score implements Scorer. Sessions are not safe for concurrent runs, so
// calls are serialised.
func (o *ONNX) Score(x []float64) (float64, error) {
	if err := checkWidth(x, o.state.Width); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return 0, fmt.Errorf("scorer: onnx session closed")
	}

	data := o.in.GetData()
	for i, v := range x {
		data[i] = float32(v)
	}
	if err := o.session.Run(); err != nil {
		return 0, fmt.Errorf("scorer: onnx run: %w", err)
	}

	res := o.out.GetData()
	p := float64(res[len(res)-1])
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("scorer: onnx produced %v", p)
	}
	if o.state.Logits {
		p = sigmoid(p)
	}
	return clamp01(p), nil
}

// Close releases the session and its tensors.
func (o *ONNX) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.in.Destroy()
	o.out.Destroy()
	o.session, o.in, o.out = nil, nil, nil
	return err
}
