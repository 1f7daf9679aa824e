package crypt

import (
	"crypto/sha256"
	"hash"
)

// CS2a uses P-256 ECDH with AES-256; see the CSID doc comment in suite.go.
func init() {
	Register(&Params{
		ID:              CS2a,
		AESKeySize:      32,
		NewHash:         func() hash.Hash { return sha256.New() },
		OpenHMACSize:    sha256.Size,
		LineHMACSize:    sha256.Size,
		GenerateKeypair: p256GenerateKeypair,
		Agree:           p256Agree,
	})
}
