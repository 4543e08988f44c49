package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

var _ fleetota.URLSigner = (*HMACSigner)(nil)

// HMACSigner mints time-limited artifact download URLs. The token is an
// HMAC-SHA256 over "<path>:<expiry unix seconds>", so the artifact server
// can verify URLs statelessly with the shared secret.
type HMACSigner struct {
	baseURL string
	secret  []byte
}

// NewHMACSigner builds a signer for the artifact storage base URL.
func NewHMACSigner(baseURL, secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, errors.New("dispatch: signing secret must not be empty")
	}
	return &HMACSigner{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}, nil
}

// Sign returns a URL for storagePath valid until expiresAt.
func (s *HMACSigner) Sign(storagePath string, expiresAt time.Time) (string, error) {
	if !strings.HasPrefix(storagePath, "/") {
		storagePath = "/" + storagePath
	}
	expires := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s", storagePath, expires)
	token := hex.EncodeToString(mac.Sum(nil))
	return s.baseURL + storagePath + "?expires=" + expires + "&token=" + token, nil
}
