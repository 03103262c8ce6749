package bridge

import (
	"encoding/base64"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// renderQR encodes a pairing code as a PNG data URI, the form the ERPNext
// front end embeds directly into an <img> tag.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// printQRTerminal draws the pairing code on stdout for headless debugging.
func printQRTerminal(code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
}
