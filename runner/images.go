package runner

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lars/echo"
	"lars/trace"
)

// persistImages implements the §4.1.1/§8 image handling: a tool result's
// Images carry inline base64 payloads (optionally as data URIs); each is
// decoded and written under {ImageDir}/{session_id}/{cell_name}/, and the
// in-history Image entry becomes the file path rather than the payload
// itself, keeping Echo acyclic and serializable per spec.md's graph
// invariant. An oversized payload is dropped instead of written: the
// caller sees one fewer image, a trace.EventImageTruncated event, and a
// recorded ErrorEntry.
func (r *Runner) persistImages(ctx context.Context, e *echo.Echo, node *trace.Node, cellName string, images []string) []string {
	if len(images) == 0 || r.ImageDir == "" {
		return images
	}

	dir := filepath.Join(r.ImageDir, e.SessionID, cellName)
	persisted := make([]string, 0, len(images))
	for i, img := range images {
		data, ext, err := decodeImage(img)
		if err != nil {
			if _, statErr := os.Stat(img); statErr == nil {
				persisted = append(persisted, img)
				continue
			}
			e.RecordError(echo.ErrorEntry{Cell: cellName, Kind: "image_decode_error", Msg: err.Error()})
			continue
		}

		if r.MaxImageBytes > 0 && len(data) > r.MaxImageBytes {
			r.publish(ctx, e, trace.EventImageTruncated, node, map[string]any{"cell": cellName, "index": i, "size": len(data), "limit": r.MaxImageBytes})
			e.RecordError(echo.ErrorEntry{Cell: cellName, Kind: "image_truncated", Msg: fmt.Sprintf("image %d dropped: %d bytes exceeds limit %d", i, len(data), r.MaxImageBytes)})
			continue
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.RecordError(echo.ErrorEntry{Cell: cellName, Kind: "image_write_error", Msg: err.Error()})
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%d-%d.%s", time.Now().UnixNano(), i, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			e.RecordError(echo.ErrorEntry{Cell: cellName, Kind: "image_write_error", Msg: err.Error()})
			continue
		}
		persisted = append(persisted, path)
	}
	return persisted
}

// decodeImage strips an optional "data:image/<ext>;base64," prefix and
// base64-decodes the remainder, returning an error for a payload that is
// not valid base64. persistImages keeps such a payload as-is when it names
// an existing file, so a trait that already wrote its own file can
// reference it directly.
func decodeImage(img string) (data []byte, ext string, err error) {
	ext = "png"
	payload := img
	if strings.HasPrefix(img, "data:") {
		comma := strings.IndexByte(img, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("image: malformed data URI")
		}
		header := img[len("data:"):comma]
		if slash := strings.IndexByte(header, '/'); slash >= 0 {
			if semi := strings.IndexByte(header[slash+1:], ';'); semi >= 0 {
				ext = header[slash+1 : slash+1+semi]
			} else {
				ext = header[slash+1:]
			}
		}
		payload = img[comma+1:]
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("image: not a path or base64 payload: %w", err)
	}
	return data, ext, nil
}
