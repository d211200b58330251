package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("frame")...)

func TestFileCameraCapturesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "still.png")
	if err := os.WriteFile(path, pngBytes, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cam := NewFileCamera(path)
	stream, err := cam.Open(context.Background())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}

	img, err := stream.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture err: %v", err)
	}
	if img.MIME != "image/png" {
		t.Fatalf("unexpected mime %s", img.MIME)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close err: %v", err)
	}
	if cam.InUse() {
		t.Fatal("camera should be released")
	}
	if _, err := stream.Capture(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestFileCameraIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	os.WriteFile(path, pngBytes, 0o644)

	cam := NewFileCamera(path)
	first, err := cam.Open(context.Background())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if _, err := cam.Open(context.Background()); !errors.Is(err, ErrCameraBusy) {
		t.Fatalf("expected ErrCameraBusy, got %v", err)
	}

	first.Close()
	second, err := cam.Open(context.Background())
	if err != nil {
		t.Fatalf("reopen after release: %v", err)
	}
	second.Close()
}

func TestFileCameraPicksNewestInDirectory(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a.png")
	newer := filepath.Join(dir, "b.jpg")
	os.WriteFile(older, pngBytes, 0o644)
	os.WriteFile(newer, []byte("\xff\xd8\xff\xe0jpeg"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644)

	past := time.Now().Add(-time.Hour)
	os.Chtimes(older, past, past)

	stream, err := NewFileCamera(dir).Open(context.Background())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	defer stream.Close()

	img, err := stream.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture err: %v", err)
	}
	if img.MIME != "image/jpeg" {
		t.Fatalf("expected the newest jpeg, got %s", img.MIME)
	}
}

func TestFileCameraDeviceErrors(t *testing.T) {
	if _, err := NewFileCamera("").Open(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice for empty source, got %v", err)
	}
	if _, err := NewFileCamera(filepath.Join(t.TempDir(), "missing.png")).Open(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice for missing source, got %v", err)
	}

	empty := t.TempDir()
	stream, err := NewFileCamera(empty).Open(context.Background())
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Capture(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice for empty directory, got %v", err)
	}
}
