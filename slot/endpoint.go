// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

// Direction of a USB endpoint.
type Direction int

const (
	Out Direction = iota
	In
)

// DCI maps an (endpoint number, direction) pair to its Device Context
// Index, per spec.md §4.4: DCI 1 for endpoint 0; for non-zero endpoints,
// DCI = 2*ep + (direction==IN ? 1 : 0).
func DCI(endpoint int, dir Direction) int {
	if endpoint == 0 {
		return 1
	}

	dci := 2 * endpoint

	if dir == In {
		dci++
	}

	return dci
}
