package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake-png-body")...)

func editRequest() image.EditRequest {
	return image.EditRequest{
		Prompt: "make it a watercolor",
		Source: image.New(pngBytes, ""),
		Mode:   image.ModeFresh,
	}
}

func newClient(t *testing.T, url string, mutate func(*config.GenerationConfig)) *Client {
	t.Helper()
	cfg := config.GenerationConfig{URL: url, Encoding: "multipart", Timeout: 5 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient err: %v", err)
	}
	return client
}

func TestGenerateMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("prompt"); got != "make it a watercolor" {
			t.Errorf("unexpected prompt %q", got)
		}
		file, header, err := r.FormFile("image_file")
		if err != nil {
			t.Errorf("missing image_file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != string(pngBytes) || header.Filename != "capture.png" {
			t.Errorf("unexpected upload %s (%d bytes)", header.Filename, len(data))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, func(c *config.GenerationConfig) { c.APIKey = "secret" })
	img, err := client.Generate(context.Background(), editRequest())
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if img.MIME != "image/png" || len(img.Data) != len(pngBytes) {
		t.Fatalf("unexpected image %s %d", img.MIME, len(img.Data))
	}
}

func TestGenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Provider     string `json:"provider"`
			Prompt       string `json:"prompt"`
			ImageDataURL string `json:"image_data_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Provider != "gemini" || body.Prompt == "" {
			t.Errorf("unexpected body %+v", body)
		}
		if _, err := image.ParseDataURL(body.ImageDataURL); err != nil {
			t.Errorf("bad data url: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"mime":      "image/png",
			"image_b64": base64.StdEncoding.EncodeToString(pngBytes),
		})
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, func(c *config.GenerationConfig) {
		c.Encoding = "json"
		c.Provider = "gemini"
	})
	img, err := client.Generate(context.Background(), editRequest())
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if img.MIME != "image/png" {
		t.Fatalf("unexpected mime %s", img.MIME)
	}
}

func TestGenerateSurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"No image found in response."}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).Generate(context.Background(), editRequest())
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Status != http.StatusInternalServerError || backendErr.Body != "No image found in response." {
		t.Fatalf("unexpected error %+v", backendErr)
	}
}

func TestGenerateRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := newClient(t, srv.URL, nil).Generate(context.Background(), editRequest()); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestGenerateRejectsOversizedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, nil)
	client.maxBytes = int64(len(pngBytes)) - 1
	if _, err := client.Generate(context.Background(), editRequest()); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}

	client.maxBytes = int64(len(pngBytes))
	if _, err := client.Generate(context.Background(), editRequest()); err != nil {
		t.Fatalf("image at the limit should pass, got %v", err)
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := newClient(t, srv.URL, nil).Generate(ctx, editRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(config.GenerationConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewClient(config.GenerationConfig{URL: "http://x", Encoding: "xml"}); err == nil {
		t.Fatal("expected encoding error")
	}
}
