package ssh

// keys.go wraps 'crypto/ed25519' keypair generation for the handful of SSH
// representations the harness and its tests need: an 'ssh.Signer' for
// client-side message signing and an 'ssh.PublicKey' for host keys and
// authorized-keys checks.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen      = fmt.Errorf("failed to generate an ed25519 keypair")
	ErrPubKeyConv  = fmt.Errorf("failed to convert the ed25519 public key to 'ssh.PublicKey'")
	ErrPrivKeyConv = fmt.Errorf("failed to convert the ed25519 private key to an 'ssh.Signer'")
)

// KeyPair holds an ed25519 keypair in SSH-ready form: a signer for the
// client side, a public key for host keys and authorized-keys checks.
type KeyPair struct {
	Public  ssh.PublicKey
	Private ssh.Signer
}

// NewKeyPair generates a fresh ed25519 keypair.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyConv, err)
	}
	return &KeyPair{Public: sshPub, Private: signer}, nil
}
