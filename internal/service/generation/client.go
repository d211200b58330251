package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
)

var (
	// ErrNotConfigured is returned when no backend URL is set.
	ErrNotConfigured = errors.New("generation backend not configured")
	// ErrEmptyImage is returned when the backend answers without a usable image.
	ErrEmptyImage = errors.New("generation backend returned no image")
	// ErrImageTooLarge is returned when the response exceeds the size limit.
	ErrImageTooLarge = errors.New("generation backend response too large")
)

// Encoding selects the request body format.
type Encoding string

const (
	EncodingMultipart Encoding = "multipart"
	EncodingJSON      Encoding = "json"
)

const (
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 2048
	maxImageBytes  = 32 << 20
)

// BackendError carries a non-2xx answer from the backend.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation backend returned status %d", e.Status)
	}
	return fmt.Sprintf("generation backend returned status %d: %s", e.Status, e.Body)
}

// Generator produces an edited image. The kiosk depends on this, not on Client.
type Generator interface {
	Generate(ctx context.Context, req image.EditRequest) (image.Image, error)
}

// Client 图像编辑后端的 HTTP 客户端
type Client struct {
	url      string
	encoding Encoding
	provider string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

// NewClient builds a client from configuration.
func NewClient(cfg config.GenerationConfig) (*Client, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	encoding := Encoding(cfg.Encoding)
	if encoding == "" {
		encoding = EncodingMultipart
	}
	if encoding != EncodingMultipart && encoding != EncodingJSON {
		return nil, fmt.Errorf("unsupported generation encoding %q", cfg.Encoding)
	}

	return &Client{
		url:      cfg.URL,
		encoding: encoding,
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxImageBytes,
	}, nil
}

// Generate sends the source image and prompt and returns the edited image.
func (c *Client) Generate(ctx context.Context, req image.EditRequest) (image.Image, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return image.Image{}, errors.New("prompt is required")
	}
	if req.Source.Empty() {
		return image.Image{}, errors.New("source image is required")
	}

	body, contentType, err := c.encode(req)
	if err != nil {
		return image.Image{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return image.Image{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "image/*, application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return image.Image{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().
		Int("status", resp.StatusCode).
		Str("mode", string(req.Mode)).
		Dur("elapsed", time.Since(start)).
		Msg("generation backend responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return image.Image{}, &BackendError{Status: resp.StatusCode, Body: errorDetail(raw)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return image.Image{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(raw)) > c.maxBytes {
		return image.Image{}, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, c.maxBytes)
	}
	return decodeImage(resp.Header.Get("Content-Type"), raw)
}

func (c *Client) encode(req image.EditRequest) (io.Reader, string, error) {
	if c.encoding == EncodingJSON {
		payload := struct {
			Provider     string `json:"provider,omitempty"`
			Prompt       string `json:"prompt"`
			ImageDataURL string `json:"image_data_url"`
		}{
			Provider:     c.provider,
			Prompt:       req.Prompt,
			ImageDataURL: req.Source.DataURL(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image_file"; filename="capture`+req.Source.Extension()+`"`)
	header.Set("Content-Type", req.Source.MIME)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(req.Source.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write image part: %w", err)
	}
	if err := writer.WriteField("prompt", req.Prompt); err != nil {
		return nil, "", fmt.Errorf("failed to write prompt field: %w", err)
	}
	if c.provider != "" {
		if err := writer.WriteField("provider", c.provider); err != nil {
			return nil, "", fmt.Errorf("failed to write provider field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// decodeImage accepts raw image bytes or a JSON {mime, image_b64} envelope.
func decodeImage(contentType string, raw []byte) (image.Image, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/json" || (mediaType == "" && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))) {
		var envelope struct {
			MIME     string `json:"mime"`
			ImageB64 string `json:"image_b64"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return image.Image{}, fmt.Errorf("failed to decode response: %w", err)
		}
		if envelope.ImageB64 == "" {
			return image.Image{}, ErrEmptyImage
		}
		data, err := base64.StdEncoding.DecodeString(envelope.ImageB64)
		if err != nil {
			return image.Image{}, fmt.Errorf("failed to decode image_b64: %w", err)
		}
		return validImage(image.New(data, envelope.MIME))
	}

	return validImage(image.New(raw, mediaType))
}

func validImage(img image.Image) (image.Image, error) {
	if img.Empty() || !strings.HasPrefix(img.MIME, "image/") {
		return image.Image{}, ErrEmptyImage
	}
	return img, nil
}

// errorDetail unwraps {"detail": "..."} bodies and falls back to the raw text.
func errorDetail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		if data, err := json.Marshal(body.Detail); err == nil {
			return string(data)
		}
	}
	return strings.TrimSpace(string(raw))
}
