package crypt

import (
	"crypto/ecdh"
	"fmt"
)

// p256GenerateKeypair and p256Agree back both CS2a and CS3a, reaching the
// standard library's crypto/ecdh rather than a third-party curve package.
func p256GenerateKeypair(rng RandSource) (pub, priv []byte, err error) {
	curve := ecdh.P256()
	// crypto/ecdh requires a io.Reader; adapt the RandSource capability to
	// one without reaching for a package-level entropy source.
	key, err := curve.GenerateKey(&randSourceReader{rng})
	if err != nil {
		return nil, nil, err
	}
	return key.PublicKey().Bytes(), key.Bytes(), nil
}

func p256Agree(priv, peerPub []byte) ([]byte, error) {
	curve := ecdh.P256()
	privKey, err := curve.NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypt/p256: invalid private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("crypt/p256: invalid peer public key: %w", err)
	}
	return privKey.ECDH(pubKey)
}

// randSourceReader adapts a RandSource to io.Reader for crypto/ecdh's
// GenerateKey, which wants a Reader rather than a Fill(buf) capability.
type randSourceReader struct {
	rng RandSource
}

func (r *randSourceReader) Read(buf []byte) (int, error) {
	if err := r.rng.Fill(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}
