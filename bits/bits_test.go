// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bits

import "testing"

func TestSetGet(t *testing.T) {
	var r uint32

	Set(&r, 3)

	if !Get(&r, 3) {
		t.Fatal("expected bit 3 set")
	}

	Clear(&r, 3)

	if Get(&r, 3) {
		t.Fatal("expected bit 3 clear")
	}
}

func TestSetN(t *testing.T) {
	var r uint32

	SetN(&r, 8, 0xff, 0xab)

	if v := GetN(&r, 8, 0xff); v != 0xab {
		t.Fatalf("got %#x, want %#x", v, 0xab)
	}

	// fields outside the masked range must be untouched
	SetN(&r, 0, 0xff, 0xff)

	if v := GetN(&r, 8, 0xff); v != 0xab {
		t.Fatalf("SetN clobbered an adjacent field, got %#x", v)
	}
}

func TestSetTo(t *testing.T) {
	var r uint32

	SetTo(&r, 5, true)

	if !Get(&r, 5) {
		t.Fatal("expected bit 5 set")
	}

	SetTo(&r, 5, false)

	if Get(&r, 5) {
		t.Fatal("expected bit 5 clear")
	}
}

func TestSetN64(t *testing.T) {
	var r uint64

	SetN64(&r, 32, 0xffffffff, 0xdeadbeef)

	if v := GetN64(&r, 32, 0xffffffff); v != 0xdeadbeef {
		t.Fatalf("got %#x, want %#x", v, 0xdeadbeef)
	}
}
