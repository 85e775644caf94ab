// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx && ORT

package backends

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXEnabled reports whether the ONNX Runtime backend is compiled in.
const ONNXEnabled = true

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime (Linux/Windows).
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH before running:
//     export LD_LIBRARY_PATH=/path/to/onnxruntime/lib
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
//   - ONNX Runtime libraries must be available at link time
type onnxBackend struct {
	initializedOnce sync.Once
	initErr         error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if IsGPUAvailable() {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only included when ONNX is available
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

// initONNX loads the shared library once per process.
func (b *onnxBackend) initONNX() error {
	b.initializedOnce.Do(func() {
		if lib := findOnnxLibrary(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// findOnnxLibrary looks for libonnxruntime under ONNXRUNTIME_ROOT (with or
// without a GOOS-GOARCH level) and then along the loader path. An empty
// result leaves the choice to onnxruntime_go.
func findOnnxLibrary() string {
	name := "libonnxruntime.so"
	loaderVar := "LD_LIBRARY_PATH"
	switch runtime.GOOS {
	case "windows":
		name = "onnxruntime.dll"
		loaderVar = "PATH"
	case "darwin":
		name = "libonnxruntime.dylib"
		loaderVar = "DYLD_LIBRARY_PATH"
	}

	var dirs []string
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dirs = append(dirs,
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"))
	}
	dirs = append(dirs, filepath.SplitList(os.Getenv(loaderVar))...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// onnxSessionFactory implements SessionFactory for ONNX Runtime.
type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading graph signature of %s: %w", filepath.Base(modelPath), err)
	}
	inputNames, inputInfo := describeTensors(inputs)
	outputNames, outputInfo := describeTensors(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if ShouldUseGPU(cfg.GPUMode) {
		appendCUDA(sessionOpts)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

// appendCUDA adds the CUDA provider when it can be created. Sessions stay on
// the CPU provider otherwise.
func appendCUDA(opts *ort.SessionOptions) {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return
	}
	defer cudaOpts.Destroy()
	_ = opts.AppendExecutionProviderCUDA(cudaOpts)
}

func describeTensors(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		out[i] = TensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: onnxDataType(info.DataType)}
	}
	return names, out
}

// onnxDataType converts ONNX data type to our DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Convert inputs to ONNX tensors in the order expected by the session
	ortInputs := make([]ort.Value, len(s.inputInfo))
	defer func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}

	// nil outputs are allocated by onnxruntime
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i])
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}

	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor creates an ORT tensor from a NamedTensor. Half precision
// data has no Go tensor type in onnxruntime_go and is passed as raw
// little-endian bytes.
func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []float16.Float16:
		raw := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[2*i:], v.Bits())
		}
		return ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeFloat16)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		int64Data := make([]int64, len(data))
		for i, v := range data {
			int64Data[i] = int64(v)
		}
		return ort.NewTensor(shape, int64Data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// extractOrtTensor copies an ORT output into a NamedTensor.
func extractOrtTensor(ortTensor ort.Value, info TensorInfo) (NamedTensor, error) {
	out := NamedTensor{Name: info.Name, Shape: ortTensor.GetShape()}

	switch t := ortTensor.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Data = append([]int64(nil), t.GetData()...)
	case *ort.Tensor[int32]:
		out.Data = append([]int32(nil), t.GetData()...)
	case *ort.Tensor[bool]:
		out.Data = append([]bool(nil), t.GetData()...)
	case *ort.CustomDataTensor:
		if info.DataType != DataTypeFloat16 {
			return NamedTensor{}, fmt.Errorf("unsupported custom tensor type %s", info.DataType)
		}
		raw := t.GetData()
		data := make([]float16.Float16, len(raw)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		out.Data = data
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
	}
	return out, nil
}
