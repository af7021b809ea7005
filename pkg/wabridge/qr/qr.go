// Package qr renders session QR challenges as PNG images and terminal
// blocks.
package qr

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// PNG encodes code as a PNG image.
func PNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("qr: empty payload")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr: encoding png: %w", err)
	}
	return png, nil
}

// DataURL encodes code as a base64 PNG data URL.
func DataURL(code string, size int) (string, error) {
	png, err := PNG(code, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// WriteFile writes the PNG to path, creating parent directories.
func WriteFile(path, code string, size int) error {
	png, err := PNG(code, size)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("qr: creating dir: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("qr: writing %s: %w", path, err)
	}
	return nil
}

// Terminal draws code on w using half-block characters.
func Terminal(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}
