package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

const (
	DefaultCaptureTimeout = 15 * time.Second
	DefaultResultTimeout  = 180 * time.Second
)

// Sender writes frames to the relay.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Options 控制器配置
type Options struct {
	Clock          clockwork.Clock
	CaptureTimeout time.Duration
	ResultTimeout  time.Duration
	Listener       Listener
}

// Controller drives the tablet side of a session. Transitions into
// ReadyToSend happen only on the kiosk's CAPTURED frame.
type Controller struct {
	mu     sync.Mutex
	sender Sender
	opts   Options

	state       State
	connected   bool
	kioskOnline bool
	cameraOpen  bool
	countdown   int
	accepted    bool
	prompt      string
	result      *Result
	errCode     string
	errMessage  string
	// retryFrom is the state an edit request was made from.
	retryFrom State

	// epoch is bumped on every cycle change; timers from older epochs are ignored.
	epoch     uint64
	timer     clockwork.Timer
	tickTimer clockwork.Timer
}

// New creates a controller in the Disconnected state.
func New(sender Sender, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = DefaultResultTimeout
	}
	return &Controller{sender: sender, opts: opts, state: StateDisconnected}
}

// SetSender replaces the frame writer, e.g. after reconnecting.
func (c *Controller) SetSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the full observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// HandleMessage applies an inbound relay frame.
func (c *Controller) HandleMessage(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeConnected:
		c.connected = true
		if c.state == StateDisconnected {
			c.setLocked(StateWaitingKiosk)
		}

	case protocol.TypePeerStatus:
		if !isKioskPresence(msg) {
			return
		}
		if msg.Status == protocol.StatusOnline {
			c.kioskOnline = true
			if c.state == StateWaitingKiosk || c.state == StateDisconnected {
				c.setLocked(StateIdle)
			}
			return
		}
		c.kioskOnline = false
		c.cameraOpen = false
		c.newEpochLocked()
		if c.connected {
			c.setLocked(StateWaitingKiosk)
		}

	case protocol.TypeCaptured:
		if c.state != StateAwaitingCapture {
			log.Debug().Str("state", string(c.state)).Msg("ignoring CAPTURED outside capture")
			return
		}
		c.newEpochLocked()
		c.cameraOpen = false
		c.setLocked(StateReadyToSend)

	case protocol.TypeEditStart:
		if c.state == StateSending || c.state == StateAwaitingResult {
			c.accepted = true
			c.notifyLocked()
		}

	case protocol.TypeResult:
		if c.state != StateSending && c.state != StateAwaitingResult {
			log.Debug().Str("state", string(c.state)).Msg("ignoring unexpected RESULT")
			return
		}
		c.newEpochLocked()
		c.result = &Result{Reference: msg.Reference, DataURL: msg.DataURL, Prompt: c.prompt}
		c.setLocked(StateResultShown)

	case protocol.TypeError:
		if c.state == StateDisconnected {
			return
		}
		c.newEpochLocked()
		c.errCode = msg.Code
		c.errMessage = msg.Message
		if c.errMessage == "" {
			c.errMessage = msg.Code
		}
		c.setLocked(StateError)
	}
}

// HandleDisconnect is called when the relay socket ends.
func (c *Controller) HandleDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.kioskOnline = false
	c.cameraOpen = false
	c.newEpochLocked()
	if err != nil {
		log.Info().Err(err).Msg("controller disconnected")
	}
	c.setLocked(StateDisconnected)
}

// OpenCamera starts a new capture cycle on the kiosk.
func (c *Controller) OpenCamera(ctx context.Context) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	switch c.state {
	case StateIdle, StateReadyToSend, StateResultShown, StateError:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: open camera in %s", ErrInvalidState, c.state)
	}
	c.newEpochLocked()
	epoch := c.epoch
	c.clearCycleLocked()
	c.cameraOpen = true
	c.setLocked(StateIdle)
	c.mu.Unlock()

	return c.send(ctx, epoch, protocol.OpenCamera())
}

// CloseCamera asks the kiosk to release its camera.
func (c *Controller) CloseCamera(ctx context.Context) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: close camera in %s", ErrInvalidState, c.state)
	}
	epoch := c.epoch
	c.cameraOpen = false
	c.notifyLocked()
	c.mu.Unlock()

	return c.send(ctx, epoch, protocol.CloseCamera())
}

// StartCapture sends SHUTTER and waits for CAPTURED. The local countdown is
// cosmetic only.
func (c *Controller) StartCapture(ctx context.Context, countdown int) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != StateIdle || !c.cameraOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: capture needs an open camera in Idle, have %s", ErrInvalidState, c.state)
	}
	if countdown < 1 {
		countdown = protocol.DefaultCountdown
	}

	c.newEpochLocked()
	epoch := c.epoch
	c.countdown = countdown
	c.setLocked(StateAwaitingCapture)
	c.armTimeoutLocked(time.Duration(countdown)*time.Second+c.opts.CaptureTimeout, StateAwaitingCapture)
	c.scheduleTickLocked(epoch)
	c.mu.Unlock()

	return c.send(ctx, epoch, protocol.Shutter(countdown))
}

// Edit asks the kiosk to edit the current capture.
func (c *Controller) Edit(ctx context.Context, prompt string) error {
	return c.request(ctx, prompt, false)
}

// Refine asks the kiosk to edit its latest result.
func (c *Controller) Refine(ctx context.Context, prompt string) error {
	return c.request(ctx, prompt, true)
}

func (c *Controller) request(ctx context.Context, prompt string, refine bool) error {
	prompt = strings.TrimSpace(prompt)

	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	from := c.requestStateLocked()
	allowed := from == StateResultShown || (!refine && from == StateReadyToSend)
	if !allowed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrInvalidState, verb(refine), c.state)
	}
	if prompt == "" {
		c.mu.Unlock()
		return ErrNoPrompt
	}

	c.newEpochLocked()
	epoch := c.epoch
	c.retryFrom = from
	c.prompt = prompt
	c.accepted = false
	c.errCode, c.errMessage = "", ""
	c.setLocked(StateSending)
	c.mu.Unlock()

	msg := protocol.Edit(prompt)
	if refine {
		msg = protocol.Refine(prompt)
	}
	if err := c.send(ctx, epoch, msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.state == StateSending {
		c.setLocked(StateAwaitingResult)
		c.armTimeoutLocked(c.opts.ResultTimeout, StateAwaitingResult)
	}
	return nil
}

// Reset clears the current cycle and returns to the base state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.newEpochLocked()
	c.clearCycleLocked()
	c.cameraOpen = false
	c.setLocked(c.baseStateLocked())
}

func (c *Controller) send(ctx context.Context, epoch uint64, msg protocol.Message) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()

	var err error
	if sender == nil {
		err = ErrNotConnected
	} else {
		err = sender.Send(ctx, msg)
	}
	if err == nil {
		return nil
	}

	log.Warn().Err(err).Str("type", string(msg.Type)).Msg("controller send failed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.newEpochLocked()
		c.errCode = codeFor(err)
		c.errMessage = err.Error()
		c.setLocked(StateError)
	}
	return err
}

func (c *Controller) readyLocked() error {
	if !c.connected {
		return ErrNotConnected
	}
	if !c.kioskOnline {
		return ErrKioskOffline
	}
	return nil
}

func (c *Controller) baseStateLocked() State {
	switch {
	case !c.connected:
		return StateDisconnected
	case !c.kioskOnline:
		return StateWaitingKiosk
	default:
		return StateIdle
	}
}

func (c *Controller) clearCycleLocked() {
	c.countdown = 0
	c.accepted = false
	c.prompt = ""
	c.result = nil
	c.errCode = ""
	c.errMessage = ""
	c.retryFrom = ""
}

// requestStateLocked is the state an edit request is judged against. After a
// rejected request the kiosk still holds its capture and result, so the
// request can be retried from the state it was made in.
func (c *Controller) requestStateLocked() State {
	if c.state == StateError && c.retryFrom != "" && retryable(c.errCode) {
		return c.retryFrom
	}
	return c.state
}

// newEpochLocked invalidates pending timers.
func (c *Controller) newEpochLocked() {
	c.epoch++
	c.countdown = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.tickTimer != nil {
		c.tickTimer.Stop()
		c.tickTimer = nil
	}
}

func (c *Controller) armTimeoutLocked(d time.Duration, waiting State) {
	epoch := c.epoch
	c.timer = c.opts.Clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.state != waiting {
			return
		}
		log.Warn().Str("state", string(waiting)).Dur("after", d).Msg("controller timed out")
		c.newEpochLocked()
		c.errCode = codeFor(ErrTimeout)
		c.errMessage = ErrTimeout.Error()
		c.setLocked(StateError)
	})
}

func (c *Controller) scheduleTickLocked(epoch uint64) {
	c.tickTimer = c.opts.Clock.AfterFunc(time.Second, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.countdown <= 0 {
			return
		}
		c.countdown--
		c.notifyLocked()
		if c.countdown > 0 {
			c.scheduleTickLocked(epoch)
		}
	})
}

func (c *Controller) setLocked(next State) {
	if c.state != next {
		log.Debug().Str("from", string(c.state)).Str("to", string(next)).Msg("controller transition")
	}
	c.state = next
	c.notifyLocked()
}

func (c *Controller) notifyLocked() {
	if c.opts.Listener != nil {
		c.opts.Listener(c.snapshotLocked())
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       c.state,
		Connected:   c.connected,
		KioskOnline: c.kioskOnline,
		CameraOpen:  c.cameraOpen,
		Countdown:   c.countdown,
		Accepted:    c.accepted,
		Prompt:      c.prompt,
		ErrorCode:   c.errCode,
		Error:       c.errMessage,
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	return snap
}

func verb(refine bool) string {
	if refine {
		return "refine"
	}
	return "edit"
}
