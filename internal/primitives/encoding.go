package primitives

import (
	"encoding/base64"

	"github.com/sonet/e2ee/internal/e2eerrors"
)

// B64Encode encodes b as unpadded standard base64, matching the wire
// envelope format's MalformedBase64 check expecting strict alphabets.
func B64Encode(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// B64Decode decodes s as unpadded standard base64. Any deviation from the
// strict alphabet (whitespace, padding, URL-safe characters) is rejected.
func B64Decode(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, e2eerrors.New("primitives.B64Decode", e2eerrors.KindMalformedEnvelope, err)
	}
	return b, nil
}
