package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/providers"
)

// maxImageBytes is the safety limit for inlining image attachments (10MB).
const maxImageBytes = 10 * 1024 * 1024

// loadImageBlocks converts inbound image attachments into base64 content
// blocks. Attachments already carrying bytes are used as-is; otherwise the
// URL is treated as a local path. Non-images, oversized files and read
// failures are skipped with a warning log.
func loadImageBlocks(media []bus.MediaAttachment) []providers.ContentBlock {
	if len(media) == 0 {
		return nil
	}

	var blocks []providers.ContentBlock
	for _, m := range media {
		mime := m.MimeType
		if mime == "" {
			mime = inferImageMime(m.URL)
		}
		if !strings.HasPrefix(mime, "image/") {
			continue
		}

		data := m.Data
		if len(data) == 0 {
			if m.URL == "" {
				continue
			}
			b, err := os.ReadFile(m.URL)
			if err != nil {
				slog.Warn("vision: failed to read image file", "path", m.URL, "error", err)
				continue
			}
			data = b
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image too large, skipping", "path", m.URL, "size", len(data))
			continue
		}

		blocks = append(blocks, providers.ContentBlock{
			Type: providers.BlockImage,
			Source: &providers.ImageSource{
				Type:      "base64",
				MediaType: mime,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	return blocks
}

// inferImageMime returns the MIME type for supported image extensions,
// or "" if not an image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
