package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	totpSecretBytes = 20
	totpDigits      = 6
	totpPeriod      = 30
)

var ErrInvalidSecret = errors.New("invalid totp secret")

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type TOTP struct {
	Issuer string
	// Skew is the number of 30s steps accepted either side of now.
	Skew int
}

func (t TOTP) GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return secretEncoding.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI authenticator apps scan.
func (t TOTP) ProvisionURI(secret, account string) string {
	label := url.PathEscape(t.Issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", t.Issuer)
	v.Set("period", strconv.Itoa(totpPeriod))
	v.Set("digits", strconv.Itoa(totpDigits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Verify reports whether code matches secret within the skew window.
func (t TOTP) Verify(secret, code string, now time.Time) (bool, error) {
	_, ok, err := t.Match(secret, code, now)
	return ok, err
}

// Match is Verify that also returns the time step code belongs to, so
// callers can refuse a step they have already accepted.
func (t TOTP) Match(secret, code string, now time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits || !isDigits(code) {
		return 0, false, nil
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return 0, false, err
	}
	base := now.Unix() / totpPeriod
	for step := -t.Skew; step <= t.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(key, counter)), []byte(code)) == 1 {
			return counter, true, nil
		}
	}
	return 0, false, nil
}

// Code returns the code valid at now. Used by tests and tooling.
func (t TOTP) Code(secret string, now time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, now.Unix()/totpPeriod), nil
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.ReplaceAll(secret, " ", ""), "="))
	key, err := secretEncoding.DecodeString(s)
	if err != nil || len(key) == 0 {
		return nil, ErrInvalidSecret
	}
	return key, nil
}

func hotp(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%0*d", totpDigits, bin%1000000)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
