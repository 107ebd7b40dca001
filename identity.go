package hostrelay

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// HostIdentity is a per-process opaque identifier generated once when a
// HostRelay is constructed and carried in every endpoint registration.
type HostIdentity struct {
	id uuid.UUID
}

// NewHostIdentity generates a fresh HostIdentity.
func NewHostIdentity() HostIdentity {
	return HostIdentity{id: uuid.New()}
}

// String returns the canonical string form of the identity, suitable for use
// as the host_id field sent to the management client.
func (h HostIdentity) String() string {
	return h.id.String()
}

// hostKeySigningAlgorithm is the SSH public-key signature algorithm used to
// present the host keypair to connecting clients, per spec §3/§6.2.
const hostKeySigningAlgorithm = ssh.SigAlgoRSASHA2512

// HostKeypair is the RSA-2048 keypair used as the server identity of every
// inner SSH server session (spec §3: "generated on façade construction;
// shared read-only across all connections").
type HostKeypair struct {
	private *rsa.PrivateKey
	signer  ssh.Signer
}

// NewHostKeypair generates a fresh 2048-bit RSA keypair and wraps it as an
// ssh.Signer constrained to RSA-SHA2-512 signatures.
func NewHostKeypair() (*HostKeypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host keypair: %w", err)
	}
	baseSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap host keypair: %w", err)
	}
	signer, err := ssh.NewSignerWithAlgorithms(baseSigner.(ssh.AlgorithmSigner), []string{hostKeySigningAlgorithm})
	if err != nil {
		return nil, fmt.Errorf("failed to constrain host keypair signature algorithm: %w", err)
	}
	return &HostKeypair{private: priv, signer: signer}, nil
}

// Signer returns the ssh.Signer to register as an inner SSH server's host
// key (via ssh.ServerConfig.AddHostKey).
func (k *HostKeypair) Signer() ssh.Signer {
	return k.signer
}

// PublicKeyFingerprint returns the standard SHA256 fingerprint of the host
// public key, useful for logging.
func (k *HostKeypair) PublicKeyFingerprint() string {
	return ssh.FingerprintSHA256(k.signer.PublicKey())
}
