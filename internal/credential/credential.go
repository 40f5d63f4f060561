// Package credential mints and checks the signed payloads printed in ticket
// QR codes. A credential binds a ticket id to its ownership generation (the
// ticket's transfer count), so a code captured before a transfer stops
// admitting anyone once the ticket changes hands.
package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

const minSecretLen = 16

var enc = base64.RawURLEncoding

type Signer struct {
	key []byte
}

func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("credential secret must be at least %d bytes", minSecretLen)
	}
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum256(secret)
		secret = sum[:]
	}
	return &Signer{key: append([]byte(nil), secret...)}, nil
}

func (s *Signer) mac(body []byte) []byte {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// key length is checked in NewSigner
		panic(err)
	}
	h.Write(body)
	return h.Sum(nil)
}

// Issue returns the credential for the ticket's current owner.
func (s *Signer) Issue(t *models.Ticket) string {
	body := []byte(t.ID + "." + strconv.Itoa(t.TransferCount))
	return enc.EncodeToString(body) + "." + enc.EncodeToString(s.mac(body))
}

// Verify checks the MAC and returns the ticket id and generation it carries.
func (s *Signer) Verify(token string) (string, int, error) {
	bodyPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return "", 0, fmt.Errorf("malformed token: %w", status.ErrInvalidCredential)
	}
	body, err := enc.DecodeString(bodyPart)
	if err != nil {
		return "", 0, fmt.Errorf("decode body: %w", errors.Join(err, status.ErrInvalidCredential))
	}
	sig, err := enc.DecodeString(macPart)
	if err != nil {
		return "", 0, fmt.Errorf("decode mac: %w", errors.Join(err, status.ErrInvalidCredential))
	}
	if subtle.ConstantTimeCompare(sig, s.mac(body)) != 1 {
		return "", 0, fmt.Errorf("bad signature: %w", status.ErrInvalidCredential)
	}

	i := strings.LastIndexByte(string(body), '.')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed body: %w", status.ErrInvalidCredential)
	}
	gen, err := strconv.Atoi(string(body[i+1:]))
	if err != nil || gen < 0 {
		return "", 0, fmt.Errorf("malformed generation: %w", status.ErrInvalidCredential)
	}
	return string(body[:i]), gen, nil
}
