package lobby

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a human-shareable session code in the form
// XXXX-XXXX, uppercase alphanumeric. Uniqueness is the caller's problem.
func GenerateCode() (string, error) {
	code := make([]byte, 9)
	for i := range code {
		if i == 4 {
			code[i] = '-'
			continue
		}
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

// NewRunID builds the audit-correlation token for a session: a timestamp
// token plus a random suffix. Not used for lookup, and collisions at tens of
// concurrent sessions are negligible.
func NewRunID(at time.Time) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("RUN-%s-%s",
		at.UTC().Format("20060102T150405Z"),
		strings.ToUpper(hex.EncodeToString(suffix)))
}
