package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/gate"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/audio/mock"
)

type fakeGate struct {
	mu       sync.Mutex
	playback bool
	state    gate.State
}

func (f *fakeGate) SetPlaybackActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playback = active
}

func (f *fakeGate) State() gate.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeGate) playbackActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playback
}

func alwaysConnected() bool { return true }

func TestCoordinator_PausesCaptureDuringPlayback(t *testing.T) {
	src := &mock.Source{}
	sink := &mock.Sink{}
	g := &fakeGate{}
	c := New(src, sink, g, alwaysConnected)
	c.CaptureStarted()

	c.onPlaybackState(audio.PlaybackActive)

	if !src.Paused {
		t.Error("capture should be paused while playback is active")
	}
	if !g.playbackActive() {
		t.Error("gate playback flag should be set")
	}

	c.onPlaybackState(audio.PlaybackIdle)

	if src.Paused {
		t.Error("capture should resume once playback drains")
	}
	if g.playbackActive() {
		t.Error("gate playback flag should be cleared")
	}
	if src.PauseCalls != 1 || src.ResumeCalls != 1 {
		t.Errorf("PauseCalls=%d ResumeCalls=%d, want 1/1", src.PauseCalls, src.ResumeCalls)
	}
}

func TestCoordinator_NoResumeWhenDisconnected(t *testing.T) {
	src := &mock.Source{}
	g := &fakeGate{}
	c := New(src, &mock.Sink{}, g, func() bool { return false })
	c.CaptureStarted()

	c.onPlaybackState(audio.PlaybackActive)
	c.onPlaybackState(audio.PlaybackIdle)

	if !src.Paused {
		t.Error("capture should stay stopped when the session is gone")
	}
	if src.ResumeCalls != 0 {
		t.Errorf("ResumeCalls = %d, want 0", src.ResumeCalls)
	}
}

func TestCoordinator_NoPauseWithoutCapture(t *testing.T) {
	src := &mock.Source{}
	c := New(src, &mock.Sink{}, &fakeGate{}, alwaysConnected)
	// CaptureStarted never called: nothing to pause or resume.

	c.onPlaybackState(audio.PlaybackActive)
	c.onPlaybackState(audio.PlaybackIdle)

	if src.PauseCalls != 0 || src.ResumeCalls != 0 {
		t.Errorf("PauseCalls=%d ResumeCalls=%d, want 0/0", src.PauseCalls, src.ResumeCalls)
	}
}

func TestCoordinator_PlaybackErrorAlsoResumes(t *testing.T) {
	src := &mock.Source{}
	c := New(src, &mock.Sink{}, &fakeGate{}, alwaysConnected)
	c.CaptureStarted()

	c.onPlaybackState(audio.PlaybackActive)
	c.onPlaybackState(audio.PlaybackError)

	if src.Paused {
		t.Error("capture should resume after a playback error")
	}
}

func TestCoordinator_BargeInFlushesSink(t *testing.T) {
	sink := &mock.Sink{}
	c := New(&mock.Source{}, sink, &fakeGate{}, alwaysConnected)

	c.BargeIn()

	if sink.FlushCalls != 1 {
		t.Errorf("FlushCalls = %d, want 1", sink.FlushCalls)
	}
}

func TestCoordinator_InterruptionResumesOnlyMidTurn(t *testing.T) {
	tests := []struct {
		name       string
		gateState  gate.State
		wantResume bool
	}{
		{"speech active at interrupt", gate.StateSpeechActive, true},
		{"idle at interrupt", gate.StateIdle, false},
		{"speech ending at interrupt", gate.StateSpeechEnding, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mock.Source{}
			sink := &mock.Sink{}
			g := &fakeGate{state: tt.gateState}
			c := New(src, sink, g, alwaysConnected)
			c.CaptureStarted()

			c.InterruptionBegan()

			if !src.Paused {
				t.Fatal("capture should be paused during the interruption")
			}
			if sink.FlushCalls != 1 {
				t.Errorf("FlushCalls = %d, want 1", sink.FlushCalls)
			}

			c.InterruptionEnded()

			if tt.wantResume && src.Paused {
				t.Error("capture should resume: user was mid-turn")
			}
			if !tt.wantResume && src.ResumeCalls != 0 {
				t.Error("capture should stay stopped: user was not mid-turn")
			}
		})
	}
}

func TestCoordinator_PlaybackEndDuringInterruptionDoesNotResume(t *testing.T) {
	src := &mock.Source{}
	g := &fakeGate{state: gate.StateIdle}
	c := New(src, &mock.Sink{}, g, alwaysConnected)
	c.CaptureStarted()

	c.onPlaybackState(audio.PlaybackActive)
	c.InterruptionBegan()
	c.onPlaybackState(audio.PlaybackIdle)

	if src.ResumeCalls != 0 {
		t.Errorf("ResumeCalls = %d, want 0 while interrupted", src.ResumeCalls)
	}
}

func TestCoordinator_RunConsumesStateStream(t *testing.T) {
	src := &mock.Source{}
	sink := &mock.Sink{}
	c := New(src, sink, &fakeGate{}, alwaysConnected)
	c.CaptureStarted()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sink.PushState(audio.PlaybackActive)
	waitFor(t, func() bool { return src.PauseCalls == 1 })
	sink.PushState(audio.PlaybackIdle)
	waitFor(t, func() bool { return src.ResumeCalls == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}
