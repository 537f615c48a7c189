package modbusdrive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/rotator"
)

type fakeBus struct {
	input    [2]uint16
	discrete byte
	holding  [2]uint16
	coils    [2]bool
	err      error
	// When set, reads signal entered and wait for release.
	entered chan struct{}
	release chan struct{}
}

func (b *fakeBus) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[2*i:], b.input[address+i])
	}
	return out, nil
}

func (b *fakeBus) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []byte{b.discrete >> address}, nil
}

func (b *fakeBus) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.holding[address] = value
	return nil, nil
}

func (b *fakeBus) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	for i := uint16(0); i < quantity; i++ {
		b.holding[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	return nil, nil
}

func (b *fakeBus) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.coils[address] = value == 0xFF00
	return nil, nil
}

func newTestDrive(b *fakeBus) (*Drive, *time.Time) {
	return newLoggedDrive(b, logging.Noop())
}

func newLoggedDrive(b *fakeBus, log logging.Logger) (*Drive, *time.Time) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newDrive(b, time.Second, log)
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestPoll(t *testing.T) {
	b := &fakeBus{
		input:    [2]uint16{0x4000, 0xfc00},
		discrete: 0b101,
	}
	var logs bytes.Buffer
	d, clock := newLoggedDrive(b, logging.NewWriter(&logs, logging.Config{}))
	if _, err := d.Status(); !errors.Is(err, ErrStale) {
		t.Errorf("Status before poll: err = %v, want ErrStale", err)
	}
	if err := d.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	want := rotator.Status{AzPos: 90, ElPos: -5.625, AzReference: true}
	st, err := d.Status()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}

	b.discrete = 0b001
	if err := d.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := logs.String(); strings.Count(got, "amplifier state") != 2 || !strings.Contains(got, "active=true") || !strings.Contains(got, "active=false") {
		t.Errorf("amplifier transitions logged as:\n%s", got)
	}

	*clock = clock.Add(2 * time.Second)
	if _, err := d.Status(); !errors.Is(err, ErrStale) {
		t.Errorf("Status after timeout: err = %v, want ErrStale", err)
	}

	b.err = errors.New("crc mismatch")
	if err := d.pollOnce(context.Background()); err == nil {
		t.Error("pollOnce succeeded on bus error")
	}
}

func TestWrites(t *testing.T) {
	b := &fakeBus{}
	d, _ := newTestDrive(b)
	if err := d.SetOutput(rotator.Azimuth, -2.5); err != nil {
		t.Fatal(err)
	}
	if err := d.SetOutput(rotator.Elevation, 1000); err != nil {
		t.Fatal(err)
	}
	if want := [2]uint16{uint16(0x10000 - 250), 32767}; b.holding != want {
		t.Errorf("holding = %v, want %v", b.holding, want)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if b.holding != [2]uint16{} {
		t.Errorf("holding after stop = %v, want zero", b.holding)
	}
	if err := d.SetDriveEnabled(true); err != nil {
		t.Fatal(err)
	}
	if b.coils != [2]bool{true, true} {
		t.Errorf("coils = %v, want both on", b.coils)
	}
	if err := d.SetDriveEnabled(false); err != nil {
		t.Fatal(err)
	}
	if b.coils != [2]bool{} {
		t.Errorf("coils = %v, want both off", b.coils)
	}
	if err := d.SetOutput(rotator.Axis(3), 1); err == nil {
		t.Error("unknown axis accepted")
	}
	b.err = errors.New("timeout")
	if err := d.SetOutput(rotator.Azimuth, 1); err == nil {
		t.Error("SetOutput succeeded on bus error")
	}
}

func TestStatusDoesNotWaitForBus(t *testing.T) {
	b := &fakeBus{input: [2]uint16{0x4000, 0x0400}}
	d, _ := newTestDrive(b)
	if err := d.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.entered = make(chan struct{})
	b.release = make(chan struct{})
	polled := make(chan error, 1)
	go func() { polled <- d.pollOnce(context.Background()) }()
	<-b.entered

	got := make(chan rotator.Status, 1)
	go func() {
		st, err := d.Status()
		if err != nil {
			t.Error(err)
		}
		got <- st
	}()
	blocked := false
	select {
	case st := <-got:
		if st.AzPos != 90 {
			t.Errorf("cached azimuth = %v, want 90", st.AzPos)
		}
	case <-time.After(time.Second):
		t.Error("Status blocked behind an in-flight poll")
		blocked = true
	}
	close(b.release)
	if err := <-polled; err != nil {
		t.Errorf("pollOnce: %v", err)
	}
	if blocked {
		<-got
	}
}
