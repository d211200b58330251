package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
)

var (
	// ErrDevice wraps every failure to open or read the capture source.
	ErrDevice = errors.New("camera device error")
	// ErrCameraBusy is returned when the device is already acquired.
	ErrCameraBusy = errors.New("camera already in use")
	// ErrStreamClosed is returned by Capture after Close.
	ErrStreamClosed = errors.New("camera stream closed")
)

// Camera hands out exclusive capture streams.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired device. Close releases it and is idempotent.
type Stream interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// FileCamera 以文件或目录模拟摄像头：目录时取最新的图片
type FileCamera struct {
	source string

	mu    sync.Mutex
	inUse bool
}

func NewFileCamera(source string) *FileCamera {
	return &FileCamera{source: source}
}

// Open acquires the device after checking the source is readable.
func (c *FileCamera) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.source) == "" {
		return nil, fmt.Errorf("%w: no capture source configured", ErrDevice)
	}
	if _, err := os.Stat(c.source); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse {
		return nil, ErrCameraBusy
	}
	c.inUse = true

	log.Debug().Str("source", c.source).Msg("camera acquired")
	return &fileStream{camera: c}, nil
}

// InUse reports whether a stream currently holds the device.
func (c *FileCamera) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *FileCamera) release() {
	c.mu.Lock()
	c.inUse = false
	c.mu.Unlock()
	log.Debug().Str("source", c.source).Msg("camera released")
}

func (c *FileCamera) readFrame() (image.Image, error) {
	path, err := c.resolve()
	if err != nil {
		return image.Image{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return image.Image{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if len(data) == 0 {
		return image.Image{}, fmt.Errorf("%w: %s is empty", ErrDevice, path)
	}
	return image.New(data, ""), nil
}

func (c *FileCamera) resolve() (string, error) {
	info, err := os.Stat(c.source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if !info.IsDir() {
		return c.source, nil
	}

	entries, err := os.ReadDir(c.source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDevice, err)
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := fi.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(c.source, entry.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: no images in %s", ErrDevice, c.source)
	}
	return newest, nil
}

type fileStream struct {
	camera *FileCamera
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *fileStream) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return image.Image{}, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return image.Image{}, ErrStreamClosed
	}
	return s.camera.readFrame()
}

func (s *fileStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.camera.release()
	})
	return nil
}
