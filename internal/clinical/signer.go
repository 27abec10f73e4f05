package clinical

import (
	"context"

	"github.com/roach88/clinsync/internal/model"
)

// Signer produces the signature hash attached to a record when it is
// signed. governed is the signature-governed projection of the payload.
type Signer interface {
	Sign(ctx context.Context, ref model.EntityRef, signerID string, governed model.Object) (string, error)
}

// DigestSigner signs with the canonical signature digest. It stands in for
// an external signature service.
type DigestSigner struct{}

// Sign implements Signer.
func (DigestSigner) Sign(_ context.Context, ref model.EntityRef, signerID string, governed model.Object) (string, error) {
	return model.SignatureDigest(ref, signerID, governed)
}
