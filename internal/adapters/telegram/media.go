package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// maxMediaBytes is the Bot API file download cap (20MB).
	maxMediaBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// maxImageEdge bounds inbound and outbound image dimensions. Agents
	// read images through vision APIs that reject oversized inputs, and
	// Telegram rejects photos past 10000 summed pixels per side.
	maxImageEdge = 2048

	jpegQuality = 85

	sttTimeout = 30 * time.Second
)

// download fetches a Telegram file into a local temp file and returns its
// path. name supplies the extension when Telegram's file path has none.
func (a *Adapter) download(ctx context.Context, fileID, name string) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying telegram file fetch", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", fileID)
	}
	if int64(file.FileSize) > maxMediaBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxMediaBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = filepath.Ext(name)
	}
	if ext == "" {
		ext = ".bin"
	}

	tmpFile, err := os.CreateTemp("", "teleclaude_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxMediaBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// downscaleImage re-encodes an inbound image as bounded JPEG so vision
// APIs accept it. Orientation is baked in and metadata dropped.
func downscaleImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageEdge || bounds.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_fit.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return out, nil
}

// fitImage bounds an outbound image's dimensions, passing the original
// bytes through when they already fit or cannot be decoded.
func fitImage(data []byte) []byte {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return data
	}

	var buf bytes.Buffer
	fitted := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return data
	}
	return buf.Bytes()
}

func isImageMIME(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// transcribe posts the audio file to the STT proxy and returns the
// plain-text transcript.
func (a *Adapter) transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("stt: open audio %q: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("stt: create form field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio to form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, sttTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.cfg.STTProxyURL, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	return strings.TrimSpace(string(respBody)), nil
}
