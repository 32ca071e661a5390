// Package malgo implements the audio capture and render interfaces on top of
// the miniaudio library via github.com/gen2brain/malgo.
//
// One [Context] wraps a malgo.AllocatedContext and acts as the factory for
// capture sources and render sinks. Each source/sink owns exactly one device
// handle; Pause retains the handle so Resume does not re-negotiate the device.
package malgo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Context is the shared miniaudio backend context. It is safe for concurrent
// use; create one per process and close it after all devices are closed.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the miniaudio backend.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close tears down the backend context. Devices must be closed first.
func (c *Context) Close() {
	_ = c.ctx.Uninit()
	c.ctx.Free()
}

// NewCaptureSource creates a capture source on the default microphone,
// delivering mono 16-bit chunks of [audio.CaptureChunkBytes] at
// [audio.CaptureSampleRate].
func (c *Context) NewCaptureSource() (*CaptureSource, error) {
	return &CaptureSource{backend: c.ctx}, nil
}

// NewRenderSink creates a render sink on the default output device.
func (c *Context) NewRenderSink() (*RenderSink, error) {
	return &RenderSink{backend: c.ctx}, nil
}

// CaptureSource implements [audio.CaptureSource] on a miniaudio capture
// device.
type CaptureSource struct {
	backend *malgo.AllocatedContext

	mu      sync.Mutex
	device  *malgo.Device
	ch      chan audio.Chunk
	closed  bool
	started bool

	// paused gates the data callback without stopping the device, so the
	// handle survives pause/resume cycles.
	paused atomic.Bool

	// partial accumulates device frames until a full chunk is ready. Only
	// touched from the miniaudio data callback.
	partial []byte
}

// Start opens the default capture device and begins delivering chunks.
func (s *CaptureSource) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("malgo: capture source is closed")
	}
	if s.started {
		return s.ch, nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = audio.CaptureSampleRate

	s.ch = make(chan audio.Chunk, 32)
	s.partial = make([]byte, 0, audio.CaptureChunkBytes)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.onData(input)
		},
	}
	dev, err := malgo.InitDevice(s.backend.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}

	s.device = dev
	s.started = true

	// Tear down when the owning context is cancelled.
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s.ch, nil
}

// onData accumulates device frames into fixed-size chunks. Runs on the
// miniaudio callback thread; it must not block, so full channels drop the
// chunk rather than stall the device.
func (s *CaptureSource) onData(input []byte) {
	if s.paused.Load() {
		s.partial = s.partial[:0]
		return
	}
	s.partial = append(s.partial, input...)
	for len(s.partial) >= audio.CaptureChunkBytes {
		pcm := make([]byte, audio.CaptureChunkBytes)
		copy(pcm, s.partial[:audio.CaptureChunkBytes])
		s.partial = s.partial[audio.CaptureChunkBytes:]

		select {
		case s.ch <- audio.NewChunk(pcm, time.Now()):
		default:
		}
	}
}

// Pause suspends chunk delivery while retaining the device handle.
func (s *CaptureSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("malgo: capture source is closed")
	}
	s.paused.Store(true)
	return nil
}

// Resume restarts chunk delivery after a Pause.
func (s *CaptureSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("malgo: capture source is closed")
	}
	s.paused.Store(false)
	return nil
}

// Close stops and releases the device and closes the chunk channel.
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	if s.ch != nil {
		close(s.ch)
	}
	return nil
}

var _ audio.CaptureSource = (*CaptureSource)(nil)

// RenderSink implements [audio.RenderSink] on a miniaudio playback device.
// Audio handed to Play is appended to an internal queue drained by the
// device's output callback; the sink publishes PlaybackActive while the
// queue is non-empty and PlaybackIdle once it drains.
type RenderSink struct {
	backend *malgo.AllocatedContext

	mu         sync.Mutex
	device     *malgo.Device
	sampleRate int
	queue      []byte
	states     chan audio.PlaybackState
	closed     bool
	active     bool
}

// Play enqueues PCM for playback, (re)opening the output device if the
// sample rate changed since the previous call.
func (r *RenderSink) Play(_ context.Context, pcm []byte, sampleRate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("malgo: render sink is closed")
	}
	if err := r.ensureDeviceLocked(sampleRate); err != nil {
		return err
	}

	r.queue = append(r.queue, pcm...)
	if !r.active && len(r.queue) > 0 {
		r.active = true
		r.publishLocked(audio.PlaybackActive)
	}
	return nil
}

// ensureDeviceLocked opens the playback device at the given rate, replacing
// any device opened at a different rate. Must be called with r.mu held.
func (r *RenderSink) ensureDeviceLocked(sampleRate int) error {
	if r.device != nil && r.sampleRate == sampleRate {
		return nil
	}
	if r.device != nil {
		_ = r.device.Stop()
		r.device.Uninit()
		r.device = nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			r.fill(output)
		},
	}
	dev, err := malgo.InitDevice(r.backend.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	r.device = dev
	r.sampleRate = sampleRate
	return nil
}

// fill copies queued PCM into the device output buffer, zero-padding when
// the queue runs dry. Runs on the miniaudio callback thread.
func (r *RenderSink) fill(output []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := copy(output, r.queue)
	r.queue = r.queue[n:]
	for i := n; i < len(output); i++ {
		output[i] = 0
	}

	if r.active && len(r.queue) == 0 {
		r.active = false
		r.publishLocked(audio.PlaybackIdle)
	}
}

// Flush drops the queued audio. The device keeps running (it zero-pads), so
// a subsequent Play resumes without re-opening.
func (r *RenderSink) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("malgo: render sink is closed")
	}
	r.queue = nil
	if r.active {
		r.active = false
		r.publishLocked(audio.PlaybackIdle)
	}
	return nil
}

// States returns the playback-state stream.
func (r *RenderSink) States() <-chan audio.PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(chan audio.PlaybackState, 16)
	}
	return r.states
}

// publishLocked emits a state transition without blocking the caller. Must
// be called with r.mu held.
func (r *RenderSink) publishLocked(st audio.PlaybackState) {
	if r.states == nil {
		r.states = make(chan audio.PlaybackState, 16)
	}
	select {
	case r.states <- st:
	default:
	}
}

// Close stops playback, releases the device, and closes the state channel.
func (r *RenderSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.device != nil {
		_ = r.device.Stop()
		r.device.Uninit()
		r.device = nil
	}
	if r.states != nil {
		close(r.states)
	}
	r.queue = nil
	return nil
}

var _ audio.RenderSink = (*RenderSink)(nil)
