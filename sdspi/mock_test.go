// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// mockBus is a scripted stand-in for drivers.SPI. Every byte written is
// appended to tx for inspection; every byte read comes off script in order,
// falling back to 0xFF (an idle bus) once script is exhausted.
//
// Tx calls with a nil read buffer are command frames or write-data phases
// whose return bytes the driver discards; they are logged but do not
// consume script, which keeps the script list limited to bytes the driver
// actually inspects.
type mockBus struct {
	script []byte
	pos    int
	tx     []byte
}

func (m *mockBus) next() byte {
	if m.pos >= len(m.script) {
		return 0xFF
	}
	b := m.script[m.pos]
	m.pos++
	return b
}

func (m *mockBus) Transfer(b byte) (byte, error) {
	m.tx = append(m.tx, b)
	return m.next(), nil
}

func (m *mockBus) Tx(w, r []byte) error {
	switch {
	case r == nil:
		m.tx = append(m.tx, w...)
	case w == nil:
		for i := range r {
			m.tx = append(m.tx, 0xFF)
			r[i] = m.next()
		}
	default:
		for i := 0; i < len(w); i++ {
			m.tx = append(m.tx, w[i])
			if i < len(r) {
				r[i] = m.next()
			}
		}
	}
	return nil
}

// mockCS is the chip-select OutputPin. It records every transition so tests
// can check P1 (chip-select ends high with a single trailing dummy clock).
type mockCS struct {
	asserted bool
	log      []bool
}

func (p *mockCS) Low() error {
	p.asserted = true
	p.log = append(p.log, true)
	return nil
}

func (p *mockCS) High() error {
	p.asserted = false
	p.log = append(p.log, false)
	return nil
}

// mockCD is the card-detect InputPin; level is the raw electrical level,
// independent of configured ActiveLevel polarity.
type mockCD struct {
	level bool
}

func (p *mockCD) Get() (bool, error) {
	return p.level, nil
}

// fakeClock gives the driver a controllable, monotonic millisecond source.
// now advances the counter by 1ms on every call, standing in for the time a
// real byte transfer takes, so a busy-wait loop with no 0xFE or 0xFF ever
// injected still reaches its deadline in a test; delay advances it by
// exactly the requested amount, as a real blocking sleep would.
type fakeClock struct {
	ms int64
}

func (f *fakeClock) now() int64 {
	f.ms++
	return f.ms
}

func (f *fakeClock) delay(n int) {
	f.ms += int64(n)
}

// newTestCard wires a fresh Card to the three mocks above, returning them
// for the caller to script and inspect.
func newTestCard() (*Card, *mockBus, *mockCS, *mockCD, *fakeClock) {
	bus := &mockBus{}
	cs := &mockCS{}
	cd := &mockCD{level: true}
	clk := &fakeClock{}

	c := New(bus, cs, cd, ActiveHigh, clk.now, clk.delay)

	return c, bus, cs, cd, clk
}
