package kiosk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/camera"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/generation"
)

const (
	DefaultMaxCountdown      = 10
	DefaultGenerationTimeout = 180 * time.Second
	captureTimeout           = 10 * time.Second
	sendTimeout              = 10 * time.Second
)

// Options 展台配置
type Options struct {
	Clock             clockwork.Clock
	MaxCountdown      int
	GenerationTimeout time.Duration
	IncludeDataURL    bool
	Archive           Archive
	Listener          Listener
}

// Kiosk owns the camera, the current capture and the latest result, and is
// the only place a generation call is made from.
type Kiosk struct {
	mu        sync.Mutex
	sender    Sender
	camera    camera.Camera
	generator generation.Generator
	opts      Options

	state     State
	stream    camera.Stream
	capture   *image.Capture
	result    *image.Result
	countdown int
	lastErr   string

	// cycle guards the countdown timer, job guards the generation call.
	cycle     uint64
	job       uint64
	timer     clockwork.Timer
	cancelJob context.CancelFunc
	closed    bool
}

// New creates an idle kiosk.
func New(sender Sender, cam camera.Camera, gen generation.Generator, opts Options) *Kiosk {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxCountdown < 1 {
		opts.MaxCountdown = DefaultMaxCountdown
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	return &Kiosk{
		sender:    sender,
		camera:    cam,
		generator: gen,
		opts:      opts,
		state:     StateIdle,
	}
}

// SetSender replaces the frame writer, e.g. after reconnecting.
func (k *Kiosk) SetSender(sender Sender) {
	k.mu.Lock()
	k.sender = sender
	k.mu.Unlock()
}

func (k *Kiosk) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kiosk) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshotLocked()
}

// HandleMessage applies a frame from the tablet.
func (k *Kiosk) HandleMessage(msg protocol.Message) {
	var out []protocol.Message

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	switch msg.Type {
	case protocol.TypeOpenCamera:
		out = k.openCameraLocked()
	case protocol.TypeCloseCamera:
		k.closeCameraLocked()
	case protocol.TypeShutter:
		out = k.shutterLocked(msg.CountdownSeconds())
	case protocol.TypeEdit:
		out = k.editLocked(msg.Prompt, image.ModeFresh)
	case protocol.TypeRefine:
		out = k.editLocked(msg.Prompt, image.ModeRefine)
	case protocol.TypePeerStatus:
		if msg.Role == protocol.RoleTablet && msg.Status == protocol.StatusOffline {
			k.tabletGoneLocked()
		}
	case protocol.TypeConnected:
		log.Info().Msg("kiosk registered with relay")
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("kiosk ignoring frame")
	}
	sender := k.sender
	k.mu.Unlock()

	emit(sender, out...)
}

// HandleDisconnect is called when the relay socket ends. Nobody can finish
// the cycle, so the camera is released; capture and result are kept.
func (k *Kiosk) HandleDisconnect(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	log.Info().Err(err).Msg("kiosk disconnected from relay")
	k.tabletGoneLocked()
}

// Reset drops the current cycle from any state.
func (k *Kiosk) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
}

// Close ends the session; later frames are ignored.
func (k *Kiosk) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
	k.closed = true
}

func (k *Kiosk) openCameraLocked() []protocol.Message {
	if k.state == StateEditing {
		return []protocol.Message{protocol.Error(protocol.CodeBusy, "an edit is in progress")}
	}

	k.cancelCountdownLocked()
	k.releaseCameraLocked()
	k.capture = nil
	k.result = nil
	k.lastErr = ""

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	stream, err := k.camera.Open(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to open camera")
		k.lastErr = err.Error()
		k.setLocked(StateError)
		return []protocol.Message{protocol.Error(protocol.CodeDeviceError, err.Error())}
	}

	k.stream = stream
	k.setLocked(StateCameraOpen)
	return nil
}

func (k *Kiosk) closeCameraLocked() {
	if k.state == StateEditing {
		return
	}
	k.cancelCountdownLocked()
	k.releaseCameraLocked()
	k.setLocked(StateIdle)
}

func (k *Kiosk) shutterLocked(requested int) []protocol.Message {
	if k.state != StateCameraOpen || k.stream == nil {
		return []protocol.Message{protocol.Error(protocol.CodeNoCamera, "camera is not open")}
	}

	seconds := clampCountdown(requested, k.opts.MaxCountdown)
	k.cycle++
	cycle := k.cycle
	k.countdown = seconds
	k.setLocked(StateCountingDown)

	log.Info().Int("countdown", seconds).Msg("shutter armed")
	k.timer = k.opts.Clock.AfterFunc(time.Duration(seconds)*time.Second, func() {
		k.fireShutter(cycle)
	})
	return nil
}

func (k *Kiosk) fireShutter(cycle uint64) {
	var out []protocol.Message

	k.mu.Lock()
	if k.cycle != cycle || k.state != StateCountingDown || k.closed {
		k.mu.Unlock()
		return
	}
	k.timer = nil
	k.countdown = 0

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	frame, err := k.stream.Capture(ctx)
	cancel()
	k.releaseCameraLocked()

	if err != nil {
		log.Error().Err(err).Msg("capture failed")
		k.lastErr = err.Error()
		k.setLocked(StateError)
		out = append(out, protocol.Error(protocol.CodeDeviceError, err.Error()))
	} else {
		k.capture = &image.Capture{
			Ref:        uuid.NewString(),
			Image:      frame,
			CapturedAt: k.opts.Clock.Now().UTC(),
		}
		log.Info().Str("ref", k.capture.Ref).Int("bytes", len(frame.Data)).Msg("frame captured")
		k.setLocked(StateCaptured)
		out = append(out, protocol.Captured())
	}
	sender := k.sender
	k.mu.Unlock()

	emit(sender, out...)
}

func (k *Kiosk) editLocked(prompt string, mode image.Mode) []protocol.Message {
	if k.state == StateEditing {
		return []protocol.Message{protocol.Error(protocol.CodeBusy, "an edit is already in progress")}
	}

	req := image.EditRequest{Prompt: strings.TrimSpace(prompt), Mode: mode}
	restore := StateCaptured
	if mode == image.ModeRefine {
		if k.result == nil {
			return []protocol.Message{protocol.Error(protocol.CodeNoResult, "nothing to refine yet")}
		}
		req.Source = k.result.Image
		req.SourceRef = k.result.Ref
		restore = StateResultReady
	} else {
		if k.capture == nil {
			return []protocol.Message{protocol.Error(protocol.CodeNoCapture, "capture a photo first")}
		}
		req.Source = k.capture.Image
		req.SourceRef = k.capture.Ref
	}
	if req.Prompt == "" {
		return []protocol.Message{protocol.Error(protocol.CodeNoPrompt, "prompt is required")}
	}

	k.job++
	job := k.job
	ctx, cancel := context.WithTimeout(context.Background(), k.opts.GenerationTimeout)
	k.cancelJob = cancel
	k.lastErr = ""
	k.setLocked(StateEditing)

	log.Info().Str("mode", string(mode)).Str("source_ref", req.SourceRef).Msg("edit accepted")
	go k.runGeneration(ctx, job, req, restore)
	return []protocol.Message{protocol.EditStart()}
}

func (k *Kiosk) runGeneration(ctx context.Context, job uint64, req image.EditRequest, restore State) {
	start := time.Now()
	img, err := k.generator.Generate(ctx, req)

	var out []protocol.Message
	var archived *image.Result

	k.mu.Lock()
	if k.job != job || k.state != StateEditing {
		k.mu.Unlock()
		log.Info().Str("source_ref", req.SourceRef).Msg("discarding generation from a cancelled cycle")
		return
	}
	k.cancelJob()
	k.cancelJob = nil

	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("generation failed")
		k.lastErr = err.Error()
		k.setLocked(restore)
		out = append(out, protocol.Error(protocol.CodeBackendError, backendMessage(err)))
	} else {
		result := image.Result{
			Ref:       uuid.NewString(),
			Image:     img,
			Prompt:    req.Prompt,
			Mode:      req.Mode,
			SourceRef: req.SourceRef,
			CreatedAt: k.opts.Clock.Now().UTC(),
		}
		k.result = &result
		archived = &result
		k.setLocked(StateResultReady)

		dataURL := ""
		if k.opts.IncludeDataURL {
			dataURL = img.DataURL()
		}
		log.Info().Str("ref", result.Ref).Dur("elapsed", time.Since(start)).Msg("generation finished")
		out = append(out, protocol.Result(result.Ref, dataURL))
	}
	sender := k.sender
	archive := k.opts.Archive
	k.mu.Unlock()

	emit(sender, out...)

	if archived != nil && archive != nil {
		if err := archive.Save(context.Background(), *archived); err != nil {
			log.Warn().Err(err).Str("ref", archived.Ref).Msg("failed to archive result")
		}
	}
}

func (k *Kiosk) tabletGoneLocked() {
	k.cancelCountdownLocked()
	k.releaseCameraLocked()
	if k.state == StateCameraOpen || k.state == StateCountingDown {
		k.setLocked(StateIdle)
	}
}

func (k *Kiosk) resetLocked() {
	k.cancelCountdownLocked()
	k.job++
	if k.cancelJob != nil {
		k.cancelJob()
		k.cancelJob = nil
	}
	k.releaseCameraLocked()
	k.capture = nil
	k.result = nil
	k.lastErr = ""
	k.setLocked(StateIdle)
}

func (k *Kiosk) cancelCountdownLocked() {
	k.cycle++
	k.countdown = 0
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *Kiosk) releaseCameraLocked() {
	if k.stream == nil {
		return
	}
	if err := k.stream.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to release camera")
	}
	k.stream = nil
}

func (k *Kiosk) setLocked(next State) {
	if k.state != next {
		log.Debug().Str("from", string(k.state)).Str("to", string(next)).Msg("kiosk transition")
	}
	k.state = next
	if k.opts.Listener != nil {
		k.opts.Listener(k.snapshotLocked())
	}
}

func (k *Kiosk) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      k.state,
		Countdown:  k.countdown,
		CameraHeld: k.stream != nil,
		Error:      k.lastErr,
	}
	if k.capture != nil {
		c := *k.capture
		snap.Capture = &c
	}
	if k.result != nil {
		r := *k.result
		snap.Result = &r
	}
	return snap
}

// clampCountdown applies max(1, n) and the configured ceiling.
func clampCountdown(n, ceiling int) int {
	if n < 1 {
		n = 1
	}
	if n > ceiling {
		n = ceiling
	}
	return n
}

func backendMessage(err error) string {
	var backendErr *generation.BackendError
	if errors.As(err, &backendErr) && backendErr.Body != "" {
		return backendErr.Body
	}
	return err.Error()
}

func emit(sender Sender, msgs ...protocol.Message) {
	if sender == nil {
		return
	}
	for _, msg := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := sender.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type)).Msg("kiosk send failed")
		}
		cancel()
	}
}
