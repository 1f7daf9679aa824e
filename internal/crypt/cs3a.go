package crypt

import (
	"crypto/sha256"
	"hash"
)

func init() {
	Register(&Params{
		ID:              CS3a,
		AESKeySize:      16,
		NewHash:         func() hash.Hash { return sha256.New() },
		OpenHMACSize:    sha256.Size,
		LineHMACSize:    sha256.Size,
		GenerateKeypair: p256GenerateKeypair,
		Agree:           p256Agree,
	})
}
