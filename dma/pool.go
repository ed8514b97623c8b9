// DMA-safe memory pool for xHCI hardware-visible allocations
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma implements the block-of-pages, bitmap-backed allocator
// spec.md §4.2 requires: every allocation the xHCI controller will
// dereference (contexts, rings, scratchpads, transfer buffers) comes from
// here rather than the ordinary Go heap, because the controller holds a
// physical address to the allocation for as long as it is live and the Go
// runtime must never relocate or reclaim that memory out from under it.
//
// The package keeps the teacher's own dma package's shape (a
// sync.Mutex-guarded Pool owning a list of blocks, Alloc/Free naming,
// host/device address translation) while
// replacing its first-fit free-list search with the bitmap scan and 64
// KiB ring-boundary avoidance spec.md §4.2 specifically calls for.
package dma

import (
	"fmt"
	"sync"

	"github.com/usbarmory/xhci/pcihc"
)

// UnitSize is the smallest allocation granularity: one bitmap bit covers
// USBHC_MEM_UNIT (64) bytes, per spec.md §4.2.
const UnitSize = 64

// DefaultBlockPages is the default block size in pages when none is
// specified at Pool construction.
const DefaultBlockPages = 16

// boundary64K is the alignment xHCI TRB rings must not straddle.
const boundary64K = 64 * 1024

type block struct {
	host   uintptr
	device uint64
	size   int // bytes
	units  int
	bitmap []byte // 1 bit per UnitSize-byte unit
	token  pcihc.CommonBufferToken
}

func newBlock(dev pcihc.Device, pages int, pageSize int) (*block, error) {
	host, device, token, err := dev.MapCommonBuffer(pages)

	if err != nil {
		return nil, err
	}

	size := pages * pageSize
	units := size / UnitSize

	return &block{
		host:   host,
		device: device,
		size:   size,
		units:  units,
		bitmap: make([]byte, (units+7)/8),
		token:  token,
	}, nil
}

func (b *block) bitSet(i int) bool {
	return b.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (b *block) setBits(from, n int, val bool) {
	for i := from; i < from+n; i++ {
		if val {
			b.bitmap[i/8] |= 1 << uint(i%8)
		} else {
			b.bitmap[i/8] &^= 1 << uint(i%8)
		}
	}
}

func (b *block) empty() bool {
	for _, w := range b.bitmap {
		if w != 0 {
			return false
		}
	}

	return true
}

// findRun finds the first run of n free (clear) bits, scanning from the
// start of the block. If forRing is set and the run's byte range would straddle a
// 64 KiB boundary, the search restarts past the straddling point, per
// spec.md §4.2's TRB-ring boundary rule.
func (b *block) findRun(n int, forRing bool) (unit int, ok bool) {
	i := 0

	for i+n <= b.units {
		run := 0

		for run < n && !b.bitSet(i+run) {
			run++
		}

		if run < n {
			i += run + 1
			continue
		}

		if forRing {
			start := b.host + uintptr(i*UnitSize)
			end := start + uintptr(n*UnitSize) - 1

			if start/boundary64K != end/boundary64K {
				// restart the search past the straddling unit
				i++
				continue
			}
		}

		return i, true
	}

	return 0, false
}

func (b *block) zero(unit, n int) {
	off := unit * UnitSize
	region := unsafeSlice(b.host+uintptr(off), n*UnitSize)

	for i := range region {
		region[i] = 0
	}
}

func (b *block) contains(host uintptr) bool {
	return host >= b.host && host < b.host+uintptr(b.size)
}

// Pool is a block-of-pages DMA memory pool. A Pool must not be copied
// after first use.
type Pool struct {
	mu sync.Mutex

	dev      pcihc.Device
	pageSize int
	defPages int

	blocks        []*block // blocks[0] is the head block, never freed
	alignedTokens []alignedAlloc
}

// NewPool constructs a Pool that obtains its blocks from dev. defaultBlockPages
// overrides DefaultBlockPages if non-zero; pageSize overrides 4096 if non-zero.
func NewPool(dev pcihc.Device, defaultBlockPages int, pageSize int) *Pool {
	if defaultBlockPages <= 0 {
		defaultBlockPages = DefaultBlockPages
	}

	if pageSize <= 0 {
		pageSize = 4096
	}

	return &Pool{
		dev:      dev,
		pageSize: pageSize,
		defPages: defaultBlockPages,
	}
}

func roundUp(size int, unit int) int {
	if size <= 0 {
		return unit
	}

	return ((size + unit - 1) / unit) * unit
}

// Alloc rounds size up to a unit boundary, scans existing blocks for a
// free run, and on failure grows the pool with a new block sized to fit.
// forRing additionally forbids the returned region from crossing a 64 KiB
// boundary, per spec.md §4.2. The returned region is zero-filled. A nil
// error and zero address is never returned together with a non-nil one;
// allocation failure returns a non-nil error and callers must propagate
// it (spec.md §4.2's Failure mode).
func (p *Pool) Alloc(size int, forRing bool) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("dma: invalid allocation size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rounded := roundUp(size, UnitSize)
	units := rounded / UnitSize

	for _, b := range p.blocks {
		if unit, ok := b.findRun(units, forRing); ok {
			b.setBits(unit, units, true)
			b.zero(unit, units)

			return b.host + uintptr(unit*UnitSize), nil
		}
	}

	blockPages := p.defPages
	needed := roundUp(rounded, p.pageSize) / p.pageSize

	if forRing {
		// one spare page leaves room to shift the run past a 64 KiB
		// boundary
		needed++
	}

	if needed > blockPages {
		blockPages = needed
	}

	nb, err := newBlock(p.dev, blockPages, p.pageSize)

	if err != nil {
		return 0, fmt.Errorf("dma: out of memory: %w", err)
	}

	p.blocks = append(p.blocks, nb)

	unit, ok := nb.findRun(units, forRing)

	if !ok {
		// a freshly grown block must always satisfy its own request;
		// reaching here means the size/forRing combination cannot be
		// satisfied by any block, which is a caller bug.
		return 0, fmt.Errorf("dma: allocation of %d bytes cannot be satisfied", size)
	}

	nb.setBits(unit, units, true)
	nb.zero(unit, units)

	return nb.host + uintptr(unit*UnitSize), nil
}

// Free releases an allocation previously returned by Alloc. The owning
// block is found by host-address range; if the block is now entirely
// empty and is not the pool's head block, it is unlinked and its
// bus-master mapping released.
func (p *Pool) Free(host uintptr, size int) error {
	if host == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rounded := roundUp(size, UnitSize)
	units := rounded / UnitSize

	for i, b := range p.blocks {
		if !b.contains(host) {
			continue
		}

		unit := int(host-b.host) / UnitSize

		for j := unit; j < unit+units; j++ {
			if !b.bitSet(j) {
				return fmt.Errorf("dma: free of unallocated unit at %#x", host)
			}
		}

		b.setBits(unit, units, false)

		if i != 0 && b.empty() {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			return p.dev.UnmapCommonBuffer(b.token)
		}

		return nil
	}

	return fmt.Errorf("dma: free of address %#x not owned by this pool", host)
}

// HostToDevice translates a host-visible allocation address into its
// device-visible (physical) counterpart. size must match the original
// allocation and the address must fall entirely within a single block.
func (p *Pool) HostToDevice(host uintptr, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.owningBlock(host, size)

	if err != nil {
		return 0, err
	}

	return b.device + uint64(host-b.host), nil
}

// DeviceToHost is the inverse of HostToDevice.
func (p *Pool) DeviceToHost(device uint64, size int) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.blocks {
		if device >= b.device && device < b.device+uint64(b.size) {
			if device+uint64(size) > b.device+uint64(b.size) {
				return 0, fmt.Errorf("dma: device range %#x+%d crosses a block boundary", device, size)
			}

			return b.host + uintptr(device-b.device), nil
		}
	}

	return 0, fmt.Errorf("dma: device address %#x not owned by this pool", device)
}

func (p *Pool) owningBlock(host uintptr, size int) (*block, error) {
	for _, b := range p.blocks {
		if b.contains(host) {
			if host+uintptr(size) > b.host+uintptr(b.size) {
				return nil, fmt.Errorf("dma: range at %#x+%d crosses a block boundary", host, size)
			}

			return b, nil
		}
	}

	return nil, fmt.Errorf("dma: address %#x not owned by this pool", host)
}

// AllocAlignedPages maps pages of DMA-safe memory aligned to alignment
// bytes, bypassing the bitmap-block machinery (used for structures that
// themselves anchor a block-like allocation, e.g. the DCBAA array and
// scratchpad buffer array). When alignment exceeds the page size, extra
// pages are mapped and the unaligned head/tail trimmed; a firmware
// variant restricted to 32-bit addressing never needs alignment beyond a
// page and so never exercises the trim path, per spec.md §4.2.
func (p *Pool) AllocAlignedPages(pages int, alignment int) (host uintptr, device uint64, err error) {
	if pages <= 0 {
		return 0, 0, fmt.Errorf("dma: invalid page count %d", pages)
	}

	if alignment <= p.pageSize {
		h, d, token, err := p.dev.MapCommonBuffer(pages)

		if err != nil {
			return 0, 0, err
		}

		p.mu.Lock()
		p.alignedTokens = append(p.alignedTokens, alignedAlloc{host: h, token: token})
		p.mu.Unlock()

		return h, d, nil
	}

	extra := (alignment / p.pageSize) - 1
	h, d, token, err := p.dev.MapCommonBuffer(pages + extra)

	if err != nil {
		return 0, 0, err
	}

	alignedHost := (h + uintptr(alignment) - 1) &^ uintptr(alignment-1)
	alignedDevice := (d + uint64(alignment) - 1) &^ uint64(alignment-1)

	p.mu.Lock()
	p.alignedTokens = append(p.alignedTokens, alignedAlloc{host: alignedHost, token: token})
	p.mu.Unlock()

	return alignedHost, alignedDevice, nil
}

// FreeAlignedPages releases an allocation returned by AllocAlignedPages.
func (p *Pool) FreeAlignedPages(host uintptr) error {
	p.mu.Lock()

	for i, a := range p.alignedTokens {
		if a.host == host {
			p.alignedTokens = append(p.alignedTokens[:i], p.alignedTokens[i+1:]...)
			p.mu.Unlock()

			return p.dev.UnmapCommonBuffer(a.token)
		}
	}

	p.mu.Unlock()

	return fmt.Errorf("dma: unknown aligned allocation at %#x", host)
}

type alignedAlloc struct {
	host  uintptr
	token pcihc.CommonBufferToken
}
