package crypt

import (
	"crypto/sha1"
	"fmt"
	"hash"

	"golang.org/x/crypto/curve25519"
)

// cs1aLineHMACSize is the line packet HMAC truncation cs1a uses,
// intentionally narrow for constrained devices; callers wanting full-width
// authentication should negotiate cs2a or cs3a.
const cs1aLineHMACSize = 4

func init() {
	Register(&Params{
		ID:           CS1a,
		AESKeySize:   16,
		NewHash:      func() hash.Hash { return sha1.New() },
		OpenHMACSize: sha1.Size,
		// cs1a truncates the line HMAC to 4 bytes, 32 bits of
		// authentication. Kept for wire compatibility with constrained
		// devices; widening it would disagree with any peer speaking cs1a.
		LineHMACSize:    cs1aLineHMACSize,
		GenerateKeypair: curve25519GenerateKeypair,
		Agree:           curve25519Agree,
	})
}

func curve25519GenerateKeypair(rng RandSource) (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if err := rng.Fill(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func curve25519Agree(priv, peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("crypt/cs1a: invalid peer public key length %d", len(peerPub))
	}
	return curve25519.X25519(priv, peerPub)
}
