package kiosk

import (
	"context"

	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

// State 展台端工作流状态
type State string

const (
	StateIdle         State = "Idle"
	StateCameraOpen   State = "CameraOpen"
	StateCountingDown State = "CountingDown"
	StateCaptured     State = "Captured"
	StateEditing      State = "Editing"
	StateResultReady  State = "ResultReady"
	StateError        State = "Error"
)

// Sender writes frames to the relay.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Archive keeps finished results beyond the in-memory slot.
type Archive interface {
	Save(ctx context.Context, result image.Result) error
}

// Snapshot is what the kiosk display renders.
type Snapshot struct {
	State      State          `json:"state"`
	Countdown  int            `json:"countdown"`
	CameraHeld bool           `json:"cameraHeld"`
	Capture    *image.Capture `json:"capture,omitempty"`
	Result     *image.Result  `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Listener observes transitions. It runs under the kiosk lock and must not
// call back into the kiosk.
type Listener func(Snapshot)
