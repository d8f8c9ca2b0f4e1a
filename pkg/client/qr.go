package client

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// GenerateQRCode renders a config as a PNG QR code for mobile WireGuard
// apps, returned base64-encoded.
func GenerateQRCode(configText string) (string, error) {
	png, err := qrcode.Encode(configText, qrcode.Low, 512)
	if err != nil {
		return "", fmt.Errorf("encoding QR code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
