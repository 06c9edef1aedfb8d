package firmware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ezhangle/thci/core/crypto"
)

// ErrSignatureInvalid is returned by Unseal when the image's Ed25519
// signature does not check out.
var ErrSignatureInvalid = errors.New("firmware: signature verification failed")

// SealedImage is the on-disk shape of a signed, ECDH-sealed firmware
// image: the bootloader's ephemeral Ed25519 public key (used to derive
// the shared secret that sealed the plaintext), a nonce for the AEAD,
// and the ciphertext, which decrypts to the signed plaintext image.
type SealedImage struct {
	EphemeralPubKey [32]byte
	Nonce           [12]byte
	Ciphertext      []byte
}

// Unseal derives a shared secret from hostPrivKey and the image's
// ephemeral public key via X25519 ECDH, decrypts the image, and
// verifies its trailing Ed25519 signature before returning the
// plaintext. signerPubKey is the vendor's firmware-signing public key,
// distinct from the per-image ephemeral key used only for sealing.
func Unseal(img SealedImage, hostPrivKey ed25519.PrivateKey, signerPubKey ed25519.PublicKey) ([]byte, error) {
	secret, err := crypto.ComputeSharedSecret(hostPrivKey, img.EphemeralPubKey[:])
	if err != nil {
		return nil, fmt.Errorf("firmware: deriving shared secret: %w", err)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("firmware: initializing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("firmware: initializing AEAD: %w", err)
	}

	plaintext, err := gcm.Open(nil, img.Nonce[:], img.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("firmware: decrypting image: %w", err)
	}

	if len(plaintext) < ed25519.SignatureSize {
		return nil, fmt.Errorf("firmware: image too short to carry a signature")
	}
	payload := plaintext[:len(plaintext)-ed25519.SignatureSize]
	sig := plaintext[len(plaintext)-ed25519.SignatureSize:]

	if !ed25519.Verify(signerPubKey, payload, sig) {
		return nil, ErrSignatureInvalid
	}
	return payload, nil
}
