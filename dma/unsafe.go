// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "unsafe"

// unsafeSlice returns a byte slice view over n bytes starting at host,
// the same unsafe.Slice-over-a-raw-address pattern the teacher's
// dma/block.go uses for reading and writing DMA block contents.
func unsafeSlice(host uintptr, n int) []byte {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, host)

	return unsafe.Slice((*byte)(ptr), n)
}

// Read copies n bytes starting at host into buf (len(buf) bytes read).
func Read(host uintptr, off int, buf []byte) {
	if host == 0 || len(buf) == 0 {
		return
	}

	copy(buf, unsafeSlice(host+uintptr(off), len(buf)))
}

// Write copies buf into the DMA region starting at host+off.
func Write(host uintptr, off int, buf []byte) {
	if host == 0 || len(buf) == 0 {
		return
	}

	copy(unsafeSlice(host+uintptr(off), len(buf)), buf)
}
