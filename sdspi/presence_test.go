// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import "testing"

func TestIsPresent(t *testing.T) {
	for _, tt := range []struct {
		name   string
		active ActiveLevel
		level  bool
		want   bool
	}{
		{"active-high present", ActiveHigh, true, true},
		{"active-high absent", ActiveHigh, false, false},
		{"active-low present", ActiveLow, false, true},
		{"active-low absent", ActiveLow, true, false},
	} {
		bus := &mockBus{}
		clk := &fakeClock{}
		c := New(bus, &mockCS{}, &mockCD{level: tt.level}, tt.active, clk.now, clk.delay)

		if got := c.IsPresent(); got != tt.want {
			t.Errorf("%s: IsPresent = %v, want %v", tt.name, got, tt.want)
		}
		if len(bus.tx) != 0 {
			t.Errorf("%s: IsPresent caused bus traffic", tt.name)
		}
	}
}

func TestIsBusy(t *testing.T) {
	for _, tt := range []struct {
		name string
		bus  byte
		want bool
	}{
		{"programming", 0x00, true},
		{"ready", 0xFF, false},
	} {
		c, bus, cs := newInitializedCard(true)
		bus.script = []byte{tt.bus, 0xFF}

		if got := c.IsBusy(); got != tt.want {
			t.Errorf("%s: IsBusy = %v, want %v", tt.name, got, tt.want)
		}
		if cs.asserted {
			t.Errorf("%s: chip-select left asserted", tt.name)
		}
	}
}
