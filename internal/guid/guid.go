// Package guid validates, converts and deterministically synthesizes the
// 22-character compressed identifiers carried by model entities.
package guid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Alphabet is the 64-character digit set of compressed identifiers.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_$"

// Length of a compressed identifier.
const Length = 22

var digit [256]int8

func init() {
	for i := range digit {
		digit[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		digit[Alphabet[i]] = int8(i)
	}
}

// entityNamespace scopes synthetic entity identifiers.
var entityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bimingest:entity"))

// Valid reports whether s is a well-formed compressed identifier.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	// The leading digit holds only the top two bits.
	if d := digit[s[0]]; d < 0 || d > 3 {
		return false
	}
	for i := 1; i < Length; i++ {
		if digit[s[i]] < 0 {
			return false
		}
	}
	return true
}

// Compress encodes u as a 22-character identifier.
func Compress(u uuid.UUID) string {
	var b strings.Builder
	b.Grow(Length)
	put := func(v uint32, n int) {
		for i := n - 1; i >= 0; i-- {
			b.WriteByte(Alphabet[(v>>(6*uint(i)))&63])
		}
	}
	put(uint32(u[0]), 2)
	for i := 1; i < 16; i += 3 {
		put(uint32(u[i])<<16|uint32(u[i+1])<<8|uint32(u[i+2]), 4)
	}
	return b.String()
}

// Expand decodes a compressed identifier.
func Expand(s string) (uuid.UUID, error) {
	var u uuid.UUID
	if !Valid(s) {
		return u, fmt.Errorf("invalid identifier %q", s)
	}
	get := func(chunk string) uint32 {
		var v uint32
		for i := 0; i < len(chunk); i++ {
			v = v<<6 | uint32(digit[chunk[i]])
		}
		return v
	}
	u[0] = byte(get(s[:2]))
	for i, j := 1, 2; i < 16; i, j = i+3, j+4 {
		v := get(s[j : j+4])
		u[i], u[i+1], u[i+2] = byte(v>>16), byte(v>>8), byte(v)
	}
	return u, nil
}

// FromUUIDString converts an identifier delivered in 36-character UUID
// form (with or without braces) to the compressed form.
func FromUUIDString(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 36 && len(s) != 38 {
		return "", false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return Compress(u), true
}

// Synthesize returns the deterministic identifier for an element that lacks
// a usable one. The same (model, index, element) always yields the same id.
func Synthesize(modelID string, index, elementID int) string {
	name := fmt.Sprintf("%s/%d/#%d", modelID, index, elementID)
	return Compress(uuid.NewSHA1(entityNamespace, []byte(name)))
}
