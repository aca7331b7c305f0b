package transparency

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SafetyNumber computes the 25-digit, 5-group verification code two
// users compare out-of-band to confirm their sessions share the same
// identity keys. Commutative under user-ID order by construction
// (min/max), matching spec.md's fmt5(SHA256(min‖max)[:25]).
func SafetyNumber(u1, u2 uuid.UUID) string {
	a, b := u1.String(), u2.String()
	if a > b {
		a, b = b, a
	}
	h := sha256.Sum256([]byte(a + b))

	digits := h[:25]
	groups := make([]string, 5)
	for i := 0; i < 5; i++ {
		var v uint32
		for _, b := range digits[i*5 : i*5+5] {
			v = v*256 + uint32(b)
		}
		groups[i] = fmt.Sprintf("%05d", v%100000)
	}
	return strings.Join(groups, " ")
}

// QRPayload builds the deep-link a verification QR code encodes.
func QRPayload(user, other uuid.UUID, safetyNumber string) string {
	return fmt.Sprintf("sonet://verify/%s/%s/%s", user, other, strings.ReplaceAll(safetyNumber, " ", ""))
}
