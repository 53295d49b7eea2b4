// Package vggtest builds small VGG-shaped weight sets for tests.
package vggtest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/krau/konastyle/weights"
)

// Widths are the per-block channel counts of a tiny VGG19-shaped network.
var Widths = []int{4, 6, 8, 8, 8}

// Weights returns He-initialized Keras-layout weights for the VGG19 topology
// with the given per-block widths. Fewer widths than blocks yield a network
// that stops after the last listed block.
func Weights(widths []int, seed int64) map[string]*weights.Tensor {
	r := rand.New(rand.NewSource(seed))
	blocks := []int{2, 2, 4, 4, 4}
	ts := make(map[string]*weights.Tensor)
	cin := 3
	for b, cout := range widths {
		for i := range blocks[b] {
			name := fmt.Sprintf("block%d_conv%d", b+1, i+1)
			std := math.Sqrt(2 / float64(9*cin))
			kernel := make([]float32, 9*cin*cout)
			for j := range kernel {
				kernel[j] = float32(r.NormFloat64() * std)
			}
			bias := make([]float32, cout)
			for j := range bias {
				bias[j] = float32(r.NormFloat64() * 0.1)
			}
			ts[name+"/kernel"] = &weights.Tensor{Shape: []int{3, 3, cin, cout}, Data: kernel}
			ts[name+"/bias"] = &weights.Tensor{Shape: []int{cout}, Data: bias}
			cin = cout
		}
	}
	return ts
}

// Torch converts Keras-layout weights into torchvision naming and OIHW order.
func Torch(keras map[string]*weights.Tensor) map[string]*weights.Tensor {
	blocks := []int{2, 2, 4, 4, 4}
	out := make(map[string]*weights.Tensor)
	idx := 0
	for b, convs := range blocks {
		for i := range convs {
			name := fmt.Sprintf("block%d_conv%d", b+1, i+1)
			k, ok := keras[name+"/kernel"]
			if !ok {
				return out
			}
			cin, cout := k.Shape[2], k.Shape[3]
			oihw := make([]float32, len(k.Data))
			for ky := range 3 {
				for kx := range 3 {
					for ci := range cin {
						for co := range cout {
							oihw[((co*cin+ci)*3+ky)*3+kx] = k.Data[((ky*3+kx)*cin+ci)*cout+co]
						}
					}
				}
			}
			out[fmt.Sprintf("features.%d.weight", idx)] = &weights.Tensor{Shape: []int{cout, cin, 3, 3}, Data: oihw}
			out[fmt.Sprintf("features.%d.bias", idx)] = keras[name+"/bias"]
			idx += 2
		}
		idx++
	}
	return out
}
