package dr

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// memorableWords is a small fixed wordlist used by the "words" passphrase
// style. It is not meant to be exhaustive — entropy comes from word count,
// not list size sophistication.
var memorableWords = []string{
	"anchor", "basalt", "cobalt", "delta", "ember", "forge", "glacier", "harbor",
	"ionize", "jigsaw", "kernel", "lumen", "meadow", "nectar", "oxide", "pivot",
	"quarry", "ridge", "summit", "talon", "umbra", "vertex", "willow", "xenon",
	"yonder", "zephyr", "amber", "birch", "cedar", "dune", "echo", "flint",
	"granite", "heron", "inlet", "jade", "karst", "loam", "maple", "nimbus",
	"onyx", "prairie", "quill", "river", "slate", "tundra", "umber", "vapor",
	"wharf", "xylem",
}

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GeneratePassphrase produces a passphrase reaching at least 128 bits of
// entropy from a cryptographic RNG, per spec.md §4.9. style is "words" (n
// memorable words joined by "-") or "random" (n printable ASCII characters).
func GeneratePassphrase(style string, n int) (string, error) {
	switch style {
	case "random":
		if n <= 0 {
			n = 22 // ceil(128 / log2(62)) with margin
		}
		return randomString(n)
	case "words", "":
		if n <= 0 {
			n = 7 // ceil(128 / log2(50)) with margin
		}
		return wordsPassphrase(n)
	default:
		return "", fmt.Errorf("dr: unknown passphrase style %q", style)
	}
}

func randomString(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomAlphabet))))
		if err != nil {
			return "", fmt.Errorf("dr: generate random passphrase: %w", err)
		}
		out[i] = randomAlphabet[idx.Int64()]
	}
	return string(out), nil
}

func wordsPassphrase(n int) (string, error) {
	words := make([]string, n)
	for i := range words {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(memorableWords))))
		if err != nil {
			return "", fmt.Errorf("dr: generate words passphrase: %w", err)
		}
		words[i] = memorableWords[idx.Int64()]
	}
	return strings.Join(words, "-"), nil
}
