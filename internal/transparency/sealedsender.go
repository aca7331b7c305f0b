package transparency

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
)

// CertificateTTL is how long an issued sealed-sender certificate remains
// valid.
const CertificateTTL = 24 * time.Hour

// SealedSenderCertificate lets a sender prove their identity to a
// recipient's client without the transport server ever learning who sent
// a message, generalized from security/keytransparency.go's
// SealedSenderCertificate with real Ed25519 attestation in place of the
// teacher's SHA-256-hash-as-signature.
type SealedSenderCertificate struct {
	SenderID       uuid.UUID
	SenderDeviceID uuid.UUID
	Expiry         time.Time
	Signature      []byte
}

func certPayload(c *SealedSenderCertificate) []byte {
	var b []byte
	b = append(b, c.SenderID[:]...)
	b = append(b, c.SenderDeviceID[:]...)
	b = append(b, []byte(c.Expiry.UTC().Format(time.RFC3339Nano))...)
	return b
}

// IssueCertificate issues a short-lived, server-attested certificate
// binding (senderID, senderDeviceID, expiry). Pure function of the
// signing key: no persistence is required, since the recipient verifies
// the certificate itself rather than looking it up.
func IssueCertificate(senderID, senderDeviceID uuid.UUID, signerPriv ed25519.PrivateKey) *SealedSenderCertificate {
	cert := &SealedSenderCertificate{
		SenderID:       senderID,
		SenderDeviceID: senderDeviceID,
		Expiry:         time.Now().Add(CertificateTTL).UTC().Truncate(time.Microsecond),
	}
	cert.Signature = ed25519.Sign(signerPriv, certPayload(cert))
	return cert
}

// VerifyCertificate checks the certificate's expiry and its server
// signature.
func VerifyCertificate(cert *SealedSenderCertificate, signerPub ed25519.PublicKey) error {
	if time.Now().After(cert.Expiry) {
		return e2eerrors.New("transparency.VerifyCertificate", e2eerrors.KindExpired, nil)
	}
	if !ed25519.Verify(signerPub, certPayload(cert), cert.Signature) {
		return e2eerrors.New("transparency.VerifyCertificate", e2eerrors.KindAuthError, nil)
	}
	return nil
}
