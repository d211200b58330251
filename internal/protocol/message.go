package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMalformed marks frames that are not a JSON object with a string type.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType marks well-formed frames whose type is not part of the protocol.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalidFrame marks known frames whose fields fail validation.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Type 帧类型判别字段
type Type string

const (
	TypeConnected   Type = "CONNECTED"
	TypePeerStatus  Type = "PEER_STATUS"
	TypePing        Type = "PING"
	TypeOpenCamera  Type = "OPEN_CAMERA"
	TypeCloseCamera Type = "CLOSE_CAMERA"
	TypeShutter     Type = "SHUTTER"
	TypeCaptured    Type = "CAPTURED"
	TypeEdit        Type = "EDIT"
	TypeRefine      Type = "REFINE"
	TypeEditStart   Type = "EDIT_START"
	TypeResult      Type = "RESULT"
	TypeError       Type = "ERROR"
)

var knownTypes = map[Type]bool{
	TypeConnected:   true,
	TypePeerStatus:  true,
	TypePing:        true,
	TypeOpenCamera:  true,
	TypeCloseCamera: true,
	TypeShutter:     true,
	TypeCaptured:    true,
	TypeEdit:        true,
	TypeRefine:      true,
	TypeEditStart:   true,
	TypeResult:      true,
	TypeError:       true,
}

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	return knownTypes[t]
}

// ServerOnly reports whether frames of this type may only originate from the relay.
func (t Type) ServerOnly() bool {
	switch t {
	case TypeConnected, TypePeerStatus, TypePing:
		return true
	default:
		return false
	}
}

// Status is a peer presence value.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Error codes carried in ERROR frames.
const (
	CodeSessionNotFound = "SessionNotFound"
	CodeInvalidRole     = "InvalidRole"
	CodeRoleConflict    = "RoleConflict"
	CodeNoCapture       = "NoCapture"
	CodeNoPrompt        = "NoPrompt"
	CodeNoResult        = "NoResult"
	CodeNoCamera        = "NoCamera"
	CodeBusy            = "Busy"
	CodeDeviceError     = "DeviceError"
	CodeBackendError    = "BackendError"
)

// DefaultCountdown is used when a SHUTTER frame carries no countdown.
const DefaultCountdown = 3

// Message is the flat JSON shape shared by every frame type. Fields that do
// not belong to a given type are left empty and omitted on the wire.
type Message struct {
	Type      Type            `json:"type"`
	Role      Role            `json:"role,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Countdown json.RawMessage `json:"countdown,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Reference string          `json:"reference,omitempty"`
	DataURL   string          `json:"dataUrl,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// Peek extracts the type discriminator without decoding the rest of the frame.
func Peek(raw []byte) (Type, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", ErrMalformed
	}

	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil || strings.TrimSpace(*head.Type) == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Type(*head.Type), nil
}

// Decode parses and validates a frame. Unknown types return the decoded
// message together with ErrUnknownType so callers can ignore them.
func Decode(raw []byte) (Message, error) {
	if _, err := Peek(raw); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Encode serialises a frame.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return json.Marshal(msg)
}

// Validate checks the per-type required fields.
func (m Message) Validate() error {
	switch m.Type {
	case TypeConnected:
		if !m.Role.Valid() {
			return fmt.Errorf("%w: CONNECTED requires a role", ErrInvalidFrame)
		}
	case TypePeerStatus:
		if !m.Role.Valid() {
			return fmt.Errorf("%w: PEER_STATUS requires a role", ErrInvalidFrame)
		}
		if m.Status != StatusOnline && m.Status != StatusOffline {
			return fmt.Errorf("%w: PEER_STATUS status %q", ErrInvalidFrame, m.Status)
		}
	case TypeResult:
		if m.Reference == "" && m.DataURL == "" {
			return fmt.Errorf("%w: RESULT requires reference or dataUrl", ErrInvalidFrame)
		}
	}
	// EDIT/REFINE prompts and ERROR messages are checked by their receivers,
	// which must answer with a protocol-level ERROR rather than drop the frame.
	return nil
}

// CountdownSeconds returns max(1, floor(countdown)). Anything that is not a
// JSON number falls back to DefaultCountdown.
func (m Message) CountdownSeconds() int {
	var seconds float64
	raw := bytes.TrimSpace(m.Countdown)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || json.Unmarshal(raw, &seconds) != nil {
		return DefaultCountdown
	}
	seconds = math.Floor(seconds)
	switch {
	case seconds < 1:
		return 1
	case seconds > math.MaxInt32:
		return math.MaxInt32
	default:
		return int(seconds)
	}
}

// Connected acknowledges a successful registration.
func Connected(role Role) Message {
	return Message{Type: TypeConnected, Role: role}
}

// PeerStatus reports the presence of role.
func PeerStatus(role Role, status Status) Message {
	return Message{Type: TypePeerStatus, Role: role, Status: status}
}

// Ping is the application-level heartbeat frame.
func Ping(ts int64) Message {
	return Message{Type: TypePing, TS: ts}
}

func OpenCamera() Message  { return Message{Type: TypeOpenCamera} }
func CloseCamera() Message { return Message{Type: TypeCloseCamera} }
func Captured() Message    { return Message{Type: TypeCaptured} }
func EditStart() Message   { return Message{Type: TypeEditStart} }

// Shutter asks the kiosk to capture after countdown seconds.
func Shutter(countdown int) Message {
	return Message{Type: TypeShutter, Countdown: json.RawMessage(strconv.Itoa(countdown))}
}

func Edit(prompt string) Message {
	return Message{Type: TypeEdit, Prompt: prompt}
}

func Refine(prompt string) Message {
	return Message{Type: TypeRefine, Prompt: prompt}
}

// Result announces a finished generation.
func Result(reference, dataURL string) Message {
	return Message{Type: TypeResult, Reference: reference, DataURL: dataURL}
}

// Error builds an ERROR frame.
func Error(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}
