package image

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrInvalidDataURL = errors.New("invalid data url")

// Image is an encoded still held in memory.
type Image struct {
	Data []byte `json:"-"`
	MIME string `json:"mime"`
}

// New wraps raw bytes, sniffing the MIME type when none is given.
func New(data []byte, mime string) Image {
	mime = strings.TrimSpace(mime)
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return Image{Data: data, MIME: mime}
}

// Empty reports whether the image carries no bytes.
func (i Image) Empty() bool {
	return len(i.Data) == 0
}

// Extension returns a file extension matching the MIME type.
func (i Image) Extension() string {
	switch i.MIME {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// DataURL renders the image as a base64 data URL.
func (i Image) DataURL() string {
	mime := i.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ParseDataURL decodes a base64 data URL.
func ParseDataURL(raw string) (Image, error) {
	if !strings.HasPrefix(raw, "data:") {
		return Image{}, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}
	mime, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return Image{}, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return New(data, mime), nil
}

// Mode distinguishes edits of the capture from refinements of the last result.
type Mode string

const (
	ModeFresh  Mode = "fresh"
	ModeRefine Mode = "refine"
)

// Capture is the still taken in the current camera cycle.
type Capture struct {
	Ref        string    `json:"ref"`
	Image      Image     `json:"image"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Result is the latest successful generation.
type Result struct {
	Ref       string    `json:"ref"`
	Image     Image     `json:"image"`
	Prompt    string    `json:"prompt"`
	Mode      Mode      `json:"mode"`
	SourceRef string    `json:"sourceRef"`
	CreatedAt time.Time `json:"createdAt"`
}

// EditRequest is what the kiosk hands to the generation backend.
type EditRequest struct {
	Prompt    string
	Source    Image
	SourceRef string
	Mode      Mode
}
