package kiosk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
)

// DirArchive writes each result as <ref><ext> plus a <ref>.json sidecar.
type DirArchive struct {
	dir string
}

func NewDirArchive(dir string) (*DirArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirArchive{dir: dir}, nil
}

type archiveMeta struct {
	Ref       string     `json:"ref"`
	Prompt    string     `json:"prompt"`
	Mode      image.Mode `json:"mode"`
	SourceRef string     `json:"sourceRef"`
	MIME      string     `json:"mime"`
	CreatedAt string     `json:"createdAt"`
}

func (a *DirArchive) Save(ctx context.Context, result image.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.Ref == "" || result.Image.Empty() {
		return fmt.Errorf("archive: result has no ref or image")
	}

	imagePath := filepath.Join(a.dir, result.Ref+result.Image.Extension())
	if err := os.WriteFile(imagePath, result.Image.Data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	meta, err := json.MarshalIndent(archiveMeta{
		Ref:       result.Ref,
		Prompt:    result.Prompt,
		Mode:      result.Mode,
		SourceRef: result.SourceRef,
		MIME:      result.Image.MIME,
		CreatedAt: result.CreatedAt.Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, result.Ref+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
