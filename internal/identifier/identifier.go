package identifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
)

// MaxAttempts bounds regeneration after a uniqueness collision.
const MaxAttempts = 10

var ErrExhausted = errors.New("identifier: no unique value after max attempts")

var pattern = regexp.MustCompile(`^[A-Z]{2}-[A-Z0-9]{7}$`)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// body layout: L D D L D D L
var bodyLayout = [7]byte{'L', 'D', 'D', 'L', 'D', 'D', 'L'}

// Source is satisfied by *rand.Rand from math/rand/v2.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

type Generator struct {
	mu  sync.Mutex
	src Source
}

// New returns a Generator drawing from src; nil uses the process-wide
// random source.
func New(src Source) *Generator {
	if src == nil {
		src = globalSource{}
	}
	return &Generator{src: src}
}

var defaultGenerator = New(nil)

func Generate(countryCode, shortName string) string {
	return defaultGenerator.Generate(countryCode, shortName)
}

func Valid(id string) bool {
	return pattern.MatchString(id)
}

// Generate builds an AA-XXXXXXX identifier. The first two usable characters
// of shortName take body positions 0 and 3.
func (g *Generator) Generate(countryCode, shortName string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	body := make([]byte, len(bodyLayout))
	for i, kind := range bodyLayout {
		if kind == 'L' {
			body[i] = letters[g.src.IntN(len(letters))]
		} else {
			body[i] = digits[g.src.IntN(len(digits))]
		}
	}
	if short := normalizeShortName(shortName); len(short) >= 2 {
		body[0] = short[0]
		body[3] = short[1]
	}
	return normalizeCountry(countryCode) + "-" + string(body)
}

// Unique generates identifiers until taken reports one as free.
func (g *Generator) Unique(ctx context.Context, countryCode, shortName string, taken func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < MaxAttempts; i++ {
		id := g.Generate(countryCode, shortName)
		exists, err := taken(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrExhausted
}

func normalizeCountry(cc string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(cc) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
			if b.Len() == 2 {
				break
			}
		}
	}
	out := b.String()
	for len(out) < 2 {
		out += "X"
	}
	return out
}

func normalizeShortName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
