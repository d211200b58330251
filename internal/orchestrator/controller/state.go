package controller

import (
	"errors"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

var (
	ErrInvalidState = errors.New("action not allowed in current state")
	ErrNoPrompt     = errors.New("prompt is required")
	ErrNotConnected = errors.New("not connected to relay")
	ErrKioskOffline = errors.New("kiosk is offline")
	ErrTimeout      = errors.New("timed out waiting for kiosk")
)

// State 平板端工作流状态
type State string

const (
	StateDisconnected    State = "Disconnected"
	StateWaitingKiosk    State = "WaitingKiosk"
	StateIdle            State = "Idle"
	StateAwaitingCapture State = "AwaitingCapture"
	StateReadyToSend     State = "ReadyToSend"
	StateSending         State = "Sending"
	StateAwaitingResult  State = "AwaitingResult"
	StateResultShown     State = "ResultShown"
	StateError           State = "Error"
)

// Result is the kiosk's latest answer as seen by the controller.
type Result struct {
	Reference string `json:"reference,omitempty"`
	DataURL   string `json:"dataUrl,omitempty"`
	Prompt    string `json:"prompt"`
}

// Snapshot is what observers see after every change.
type Snapshot struct {
	State       State   `json:"state"`
	Connected   bool    `json:"connected"`
	KioskOnline bool    `json:"kioskOnline"`
	CameraOpen  bool    `json:"cameraOpen"`
	Countdown   int     `json:"countdown"`
	Accepted    bool    `json:"accepted"`
	Prompt      string  `json:"prompt,omitempty"`
	Result      *Result `json:"result,omitempty"`
	ErrorCode   string  `json:"errorCode,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Listener observes transitions. It runs under the controller lock and must
// not call back into the controller.
type Listener func(Snapshot)

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNotConnected):
		return "NotConnected"
	default:
		return "TransportError"
	}
}

// retryable reports whether a kiosk ERROR left its capture and result in place.
func retryable(code string) bool {
	switch code {
	case protocol.CodeBackendError, protocol.CodeBusy, protocol.CodeNoPrompt:
		return true
	default:
		return false
	}
}

func isKioskPresence(msg protocol.Message) bool {
	return msg.Type == protocol.TypePeerStatus && msg.Role == protocol.RoleKiosk
}
