package utils

import (
	"math/rand/v2"
	"strings"
	"sync"
)

const hexAlphabet = "0123456789abcdef"

// DefaultSuggestionCount is how many alternatives are offered for an invalid
// suffix.
const DefaultSuggestionCount = 4

// IsValidSuffix reports whether s is a non-empty hexadecimal string. Case is
// ignored and there is no upper length bound.
func IsValidSuffix(s string) bool {
	return s != "" && isHexString(s)
}

// Suggest returns count candidates of the same length as s. Hex characters
// of s are kept (lower-cased); every other position is drawn uniformly from
// 0-9a-f. Each candidate is drawn independently from rng.
func Suggest(s string, count int, rng *rand.Rand) []string {
	if count <= 0 {
		return []string{}
	}

	out := make([]string, 0, count)
	runes := []rune(s)
	for range count {
		var b strings.Builder
		b.Grow(len(runes))
		for _, r := range runes {
			if isHexRune(r) {
				b.WriteRune(toLowerHex(r))
				continue
			}
			b.WriteByte(hexAlphabet[rng.IntN(len(hexAlphabet))])
		}
		out = append(out, b.String())
	}
	return out
}

// Suggester produces suffix suggestions from an injected randomness source.
// It is safe for concurrent use.
type Suggester struct {
	mu    sync.Mutex
	rng   *rand.Rand
	count int
}

// NewSuggester builds a Suggester. A nil rng is replaced by a randomly seeded
// PCG source and a non-positive count by DefaultSuggestionCount.
func NewSuggester(rng *rand.Rand, count int) *Suggester {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if count <= 0 {
		count = DefaultSuggestionCount
	}
	return &Suggester{rng: rng, count: count}
}

// NewSeededSuggester is a Suggester over a deterministic PCG source.
func NewSeededSuggester(seed1, seed2 uint64, count int) *Suggester {
	return NewSuggester(rand.New(rand.NewPCG(seed1, seed2)), count)
}

// For returns suggestions for input, or nil when input is already valid or
// empty.
func (s *Suggester) For(input string) []string {
	if input == "" || IsValidSuffix(input) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Suggest(input, s.count, s.rng)
}

// HasSuffix reports whether address ends with suffix, ignoring case and the
// 0x prefix.
func HasSuffix(address, suffix string) bool {
	if suffix == "" {
		return false
	}
	addr := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))
	return strings.HasSuffix(addr, strings.ToLower(suffix))
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func toLowerHex(r rune) rune {
	if r >= 'A' && r <= 'F' {
		return r + ('a' - 'A')
	}
	return r
}
