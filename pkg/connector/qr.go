// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const loginQRSize = 256

// renderLoginQR encodes a login challenge as a PNG QR code.
func renderLoginQR(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, loginQRSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render login qr: %w", err)
	}
	return png, nil
}

// sendLoginQR posts the login challenge as an image to the control room.
func (bu *BridgeUser) sendLoginQR(ctx context.Context, code string) error {
	png, err := renderLoginQR(code)
	if err != nil {
		return err
	}
	roomID, err := bu.ControlRoom(ctx)
	if err != nil {
		return err
	}
	matrix := bu.connector.Matrix
	uri, err := matrix.UploadContent(ctx, "", png, "login-qr.png", "image/png")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	_, err = matrix.SendImage(ctx, "", roomID, ImageInfo{
		URL:      uri,
		MimeType: "image/png",
		Name:     "login-qr.png",
		Size:     len(png),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}
