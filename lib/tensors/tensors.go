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

// Package tensors holds the named model inputs produced by a processor and the
// alignment pass that moves them onto the resident model's device and
// precision.
package tensors

import (
	"fmt"
	"slices"

	"github.com/x448/float16"
)

// Device is the execution unit a tensor or model resides on.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// Precision is the floating-point width used for float tensors.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

// Kind distinguishes floating-point tensors from integer/index tensors.
type Kind string

const (
	KindFloat Kind = "float"
	KindInt   Kind = "int"
)

// Tensor is a named, shaped numeric array tagged with its placement.
//
// Data holds one of []float32, []float16.Float16, []int64 or []int32.
// Precision is only meaningful for float tensors.
type Tensor struct {
	Name      string
	Shape     []int64
	Data      any
	Device    Device
	Precision Precision
}

// Kind reports whether the tensor holds floating-point or integer data.
func (t Tensor) Kind() Kind {
	switch t.Data.(type) {
	case []float32, []float16.Float16:
		return KindFloat
	default:
		return KindInt
	}
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Float32s returns the tensor data as float32, converting from float16 when
// needed. It returns an error for integer tensors.
func (t Tensor) Float32s() ([]float32, error) {
	switch data := t.Data.(type) {
	case []float32:
		return data, nil
	case []float16.Float16:
		return Float16To32(data), nil
	default:
		return nil, fmt.Errorf("tensor %s is not floating point (%T)", t.Name, t.Data)
	}
}

// Int64s returns the tensor data as int64, widening int32 when needed.
func (t Tensor) Int64s() ([]int64, error) {
	switch data := t.Data.(type) {
	case []int64:
		return data, nil
	case []int32:
		out := make([]int64, len(data))
		for i, v := range data {
			out[i] = int64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %s is not an integer tensor (%T)", t.Name, t.Data)
	}
}

// NewFloat32 builds an fp32 tensor on the cpu.
func NewFloat32(name string, shape []int64, data []float32) Tensor {
	return Tensor{Name: name, Shape: shape, Data: data, Device: DeviceCPU, Precision: PrecisionFP32}
}

// NewInt64 builds an int64 tensor on the cpu.
func NewInt64(name string, shape []int64, data []int64) Tensor {
	return Tensor{Name: name, Shape: shape, Data: data, Device: DeviceCPU}
}

// Bundle maps model input names to tensors.
type Bundle map[string]Tensor

// Keys returns the bundle's input names in sorted order.
func (b Bundle) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Float32To16 converts a float32 slice to IEEE half precision.
func Float32To16(data []float32) []float16.Float16 {
	out := make([]float16.Float16, len(data))
	for i, v := range data {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// Float16To32 converts a half precision slice to float32.
func Float16To32(data []float16.Float16) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v.Float32()
	}
	return out
}
