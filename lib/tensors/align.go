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

package tensors

import (
	"fmt"

	"github.com/x448/float16"
)

// Align moves every tensor in the bundle onto the given device. Float tensors
// are also converted to the given precision; integer tensors keep their
// element type. The returned bundle has exactly the same keys as the input.
func Align(b Bundle, device Device, precision Precision) Bundle {
	out := make(Bundle, len(b))
	for name, t := range b {
		t.Device = device
		if t.Kind() == KindFloat {
			t.Data = castFloat(t.Data, precision)
			t.Precision = precision
		}
		out[name] = t
	}
	return out
}

func castFloat(data any, precision Precision) any {
	switch d := data.(type) {
	case []float32:
		if precision == PrecisionFP16 {
			return Float32To16(d)
		}
		return d
	case []float16.Float16:
		if precision == PrecisionFP32 {
			return Float16To32(d)
		}
		return d
	default:
		return data
	}
}

// Verify checks that every tensor in the bundle satisfies the placement
// invariant for the given device and precision.
func Verify(b Bundle, device Device, precision Precision) error {
	for _, name := range b.Keys() {
		t := b[name]
		if t.Device != device {
			return fmt.Errorf("tensor %s on device %s, want %s", name, t.Device, device)
		}
		if t.Kind() != KindFloat {
			continue
		}
		if t.Precision != precision {
			return fmt.Errorf("tensor %s has precision %s, want %s", name, t.Precision, precision)
		}
		switch t.Data.(type) {
		case []float32:
			if precision != PrecisionFP32 {
				return fmt.Errorf("tensor %s holds float32 data tagged %s", name, precision)
			}
		case []float16.Float16:
			if precision != PrecisionFP16 {
				return fmt.Errorf("tensor %s holds float16 data tagged %s", name, precision)
			}
		}
	}
	return nil
}
