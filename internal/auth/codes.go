package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strings"
)

const (
	OTPDigits       = 6
	BackupCodeCount = 10
	backupCodeLen   = 8
	backupAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewOTP returns a uniformly random numeric code.
func NewOTP(digits int) (string, error) {
	if digits <= 0 {
		digits = OTPDigits
	}
	out := make([]byte, digits)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + n.Int64())
	}
	return string(out), nil
}

// NewBackupCodes returns n codes formatted XXXX-XXXX.
func NewBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		n = BackupCodeCount
	}
	codes := make([]string, n)
	max := big.NewInt(int64(len(backupAlphabet)))
	for i := range codes {
		buf := make([]byte, backupCodeLen)
		for j := range buf {
			k, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			buf[j] = backupAlphabet[k.Int64()]
		}
		codes[i] = string(buf[:4]) + "-" + string(buf[4:])
	}
	return codes, nil
}

// NormalizeBackupCode strips separators and case so user input hashes the
// same as the issued code.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func HashBackupCode(code string) string {
	return HashToken(NormalizeBackupCode(code))
}

func HashOTP(code string) string {
	return HashToken(strings.TrimSpace(code))
}

// OTPMatches compares a submitted code against a stored hash.
func OTPMatches(hash, code string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashOTP(code))) == 1
}

// LooksLikeTOTP reports whether code is shaped like a 6-digit TOTP code
// rather than a backup code.
func LooksLikeTOTP(code string) bool {
	code = strings.TrimSpace(code)
	return len(code) == totpDigits && isDigits(code)
}
