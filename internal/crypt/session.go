package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
)

// LineIDSize is the size in bytes of a line ID.
const LineIDSize = 16

// Lined values, the session handshake states.
const (
	// NotLined: handshake not yet completed in either direction.
	NotLined = 0
	// LinedFresh: first open accepted for this peer/ciphersuite.
	LinedFresh = 1
	// LinedReset: a duplicate `lineIn` was observed; the line was
	// re-keyed in place and existing channels survive.
	LinedReset = 2
)

// Session is a `crypt` session for one ciphersuite with one remote peer.
// At most one Session exists per (link, ciphersuite), enforced by the
// exchange that owns it.
type Session struct {
	csid   CSID
	params *Params

	selfPub  []byte
	selfPriv []byte

	remotePub []byte

	ephPub  []byte
	ephPriv []byte

	// openSecret is ECDH(ephPriv, remotePub), computed once at session
	// creation and reused for every open we send (it never depends on the
	// peer's ephemeral key, only on their long-term key, which is fixed
	// for the session's lifetime).
	openSecret []byte

	LineOut [LineIDSize]byte
	LineIn  [LineIDSize]byte
	haveIn  bool

	keyOut []byte
	keyIn  []byte

	seq uint32

	AtOut uint64
	AtIn  uint64

	Lined int
}

// CSID returns the session's ciphersuite ID.
func (s *Session) CSID() CSID { return s.csid }

// RemotePublic returns the remote long-term public key bytes.
func (s *Session) RemotePublic() []byte { return s.remotePub }

// KeyGen generates a fresh long-term identity key pair for csid and returns
// it base64-encoded in a packet under `"<id-hex>"` / `"<id-hex>_secret"`,
// matching the persisted identity format.
func KeyGen(csid CSID, rng RandSource) (*lob.Packet, error) {
	const op = "crypt.KeyGen"
	params, ok := Lookup(csid)
	if !ok {
		return nil, merr.New(op, merr.State, fmt.Errorf("unsupported ciphersuite %s", csid))
	}
	pub, priv, err := params.GenerateKeypair(rng)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}
	p := lob.New()
	p.SetString(csid.String(), base64.StdEncoding.EncodeToString(pub))
	p.SetString(csid.String()+"_secret", base64.StdEncoding.EncodeToString(priv))
	return p, nil
}

// NewSession allocates a session targeting remotePub: a fresh random
// lineOut, atOut set to now, and a fresh ephemeral key pair.
func NewSession(csid CSID, rng RandSource, now uint64, selfPub, selfPriv, remotePub []byte) (*Session, error) {
	const op = "crypt.NewSession"
	params, ok := Lookup(csid)
	if !ok {
		return nil, merr.New(op, merr.State, fmt.Errorf("unsupported ciphersuite %s", csid))
	}

	s := &Session{
		csid:      csid,
		params:    params,
		selfPub:   selfPub,
		selfPriv:  selfPriv,
		remotePub: remotePub,
		AtOut:     now,
	}

	if err := rng.Fill(s.LineOut[:]); err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	ephPub, ephPriv, err := params.GenerateKeypair(rng)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}
	s.ephPub = ephPub
	s.ephPriv = ephPriv

	if len(remotePub) > 0 {
		secret, err := params.Agree(ephPriv, remotePub)
		if err != nil {
			return nil, merr.New(op, merr.Crypto, err)
		}
		s.openSecret = secret
	}

	return s, nil
}

// LoadPrivate installs our long-term private identity key, accepted either
// as raw bytes or null-terminated base64.
func LoadPrivate(csid CSID, raw []byte) ([]byte, error) {
	const op = "crypt.LoadPrivate"
	if len(raw) > 0 && raw[len(raw)-1] == 0 {
		decoded, err := base64.StdEncoding.DecodeString(string(raw[:len(raw)-1]))
		if err != nil {
			return nil, merr.New(op, merr.Malformed, err)
		}
		return decoded, nil
	}
	return raw, nil
}

// Openize builds an open handshake packet from self (our identity) to peer
// (the session addressed to the remote), wrapping inner.
func Openize(rng RandSource, peer *Session, inner *lob.Packet) (*lob.Packet, error) {
	const op = "crypt.Openize"
	params := peer.params

	inner.SetString("line", hex.EncodeToString(peer.LineOut[:]))
	inner.SetInt("at", int(peer.AtOut))
	inner.SetBody(peer.selfPub)

	innerRaw, err := inner.Raw()
	if err != nil {
		return nil, merr.New(op, merr.Malformed, err)
	}

	if peer.openSecret == nil {
		return nil, merr.New(op, merr.State, fmt.Errorf("session has no remote public key"))
	}

	aesKey := params.NewHash()
	aesKey.Write(peer.openSecret)
	sum := aesKey.Sum(nil)
	key := sum[:params.AESKeySize]

	ciphertext, err := aesCTR(key, openIV(), innerRaw)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	hmacSecret, err := params.Agree(peer.selfPriv, peer.remotePub)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	body := make([]byte, params.OpenHMACSize+len(peer.ephPub)+len(ciphertext))
	copy(body[params.OpenHMACSize:], peer.ephPub)
	copy(body[params.OpenHMACSize+len(peer.ephPub):], ciphertext)

	mac := hmac.New(params.NewHash, hmacSecret)
	mac.Write(body[params.OpenHMACSize:])
	tag := mac.Sum(nil)
	copy(body[:params.OpenHMACSize], tag[:params.OpenHMACSize])

	open := lob.New()
	open.SetOpenCSID(byte(peer.csid))
	open.SetBody(body)
	return open, nil
}

// Deopenize verifies and decrypts an open packet addressed to us, returning
// the inner packet (its body holds the sender's long-term public key, its
// head the `line`/`at` fields).
func Deopenize(csid CSID, rng RandSource, selfPub, selfPriv []byte, open *lob.Packet) (*lob.Packet, error) {
	const op = "crypt.Deopenize"
	params, ok := Lookup(csid)
	if !ok {
		return nil, merr.New(op, merr.State, fmt.Errorf("unsupported ciphersuite %s", csid))
	}

	body := open.Body()
	// ephemeral public key size is inferred from selfPub's own encoding
	// length, since both sides of a ciphersuite use identically sized keys.
	ephLen := len(selfPub)
	minLen := params.OpenHMACSize + ephLen
	if len(body) <= minLen {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("open body too short"))
	}

	tag := body[:params.OpenHMACSize]
	remoteEphPub := body[params.OpenHMACSize : params.OpenHMACSize+ephLen]
	ciphertext := body[params.OpenHMACSize+ephLen:]

	aesSecret, err := params.Agree(selfPriv, remoteEphPub)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}
	aesKeyHash := params.NewHash()
	aesKeyHash.Write(aesSecret)
	sum := aesKeyHash.Sum(nil)
	aesKey := sum[:params.AESKeySize]

	plaintext, err := aesCTR(aesKey, openIV(), ciphertext)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	inner, err := lob.Parse(plaintext)
	if err != nil {
		return nil, merr.New(op, merr.Malformed, err)
	}

	remoteLongtermPub := inner.Body()
	hmacSecret, err := params.Agree(selfPriv, remoteLongtermPub)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	mac := hmac.New(params.NewHash, hmacSecret)
	mac.Write(body[params.OpenHMACSize:])
	expected := mac.Sum(nil)[:params.OpenHMACSize]
	if !hmac.Equal(tag, expected) {
		return nil, merr.New(op, merr.Crypto, fmt.Errorf("open HMAC mismatch"))
	}

	// stash the sender's ephemeral public key for Line() to pick up.
	inner.SetString("__ephpub", base64.StdEncoding.EncodeToString(remoteEphPub))
	return inner, nil
}

// Line derives the symmetric line keys after accepting an open, and detects
// line resets.
func Line(s *Session, inner *lob.Packet) error {
	const op = "crypt.Line"

	lineHex, ok := inner.GetString("line")
	if !ok {
		return merr.New(op, merr.Malformed, fmt.Errorf("missing line field"))
	}
	lineIn, err := hex.DecodeString(lineHex)
	if err != nil || len(lineIn) != LineIDSize {
		return merr.New(op, merr.Malformed, fmt.Errorf("invalid line field"))
	}

	at, ok := inner.GetInt("at")
	if !ok || at <= 0 {
		return merr.New(op, merr.Malformed, fmt.Errorf("missing/invalid at field"))
	}
	if uint64(at) <= s.AtIn {
		return merr.New(op, merr.Replay, fmt.Errorf("at %d not greater than atIn %d", at, s.AtIn))
	}

	ephPubB64, ok := inner.GetString("__ephpub")
	if !ok {
		return merr.New(op, merr.Malformed, fmt.Errorf("missing ephemeral public key"))
	}
	remoteEphPub, err := base64.StdEncoding.DecodeString(ephPubB64)
	if err != nil {
		return merr.New(op, merr.Malformed, err)
	}

	secret, err := s.params.Agree(s.ephPriv, remoteEphPub)
	if err != nil {
		return merr.New(op, merr.Crypto, err)
	}

	var newLineIn [LineIDSize]byte
	copy(newLineIn[:], lineIn)

	if s.haveIn && newLineIn == s.LineIn {
		s.Lined = LinedReset
	} else {
		s.Lined = LinedFresh
	}
	s.LineIn = newLineIn
	s.haveIn = true

	h := s.params.NewHash()
	h.Write(secret)
	h.Write(s.LineOut[:])
	h.Write(s.LineIn[:])
	s.keyOut = h.Sum(nil)[:s.params.AESKeySize]

	h = s.params.NewHash()
	h.Write(secret)
	h.Write(s.LineIn[:])
	h.Write(s.LineOut[:])
	s.keyIn = h.Sum(nil)[:s.params.AESKeySize]

	s.AtIn = uint64(at)
	return nil
}

// Lineize encrypts inner into a line packet.
func Lineize(s *Session, inner *lob.Packet) (*lob.Packet, error) {
	const op = "crypt.Lineize"
	if s.Lined == NotLined {
		return nil, merr.New(op, merr.State, fmt.Errorf("session not lined"))
	}

	innerRaw, err := inner.Raw()
	if err != nil {
		return nil, merr.New(op, merr.Malformed, err)
	}

	seq := s.seq
	s.seq++

	var iv [16]byte
	binary.LittleEndian.PutUint32(iv[12:], seq)

	ciphertext, err := aesCTR(s.keyOut, iv[:], innerRaw)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	body := make([]byte, LineIDSize+s.params.LineHMACSize+4+len(ciphertext))
	copy(body, s.LineOut[:])

	seqBytes := body[LineIDSize+s.params.LineHMACSize : LineIDSize+s.params.LineHMACSize+4]
	binary.LittleEndian.PutUint32(seqBytes, seq)
	copy(body[LineIDSize+s.params.LineHMACSize+4:], ciphertext)

	mac := hmac.New(s.params.NewHash, s.keyOut)
	mac.Write(seqBytes)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)
	copy(body[LineIDSize:], tag[:s.params.LineHMACSize])

	out := lob.New()
	out.SetBody(body)
	return out, nil
}

// Delineize verifies and decrypts a line packet, returning the inner packet
// or nil if the MAC fails to verify. Session state is never mutated on
// failure.
func Delineize(s *Session, linePkt *lob.Packet) (*lob.Packet, error) {
	const op = "crypt.Delineize"
	if s.Lined == NotLined {
		return nil, merr.New(op, merr.State, fmt.Errorf("session not lined"))
	}

	body := linePkt.Body()
	minLen := LineIDSize + s.params.LineHMACSize + 4
	if len(body) < minLen {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("line packet too short"))
	}

	if !bytesEqual(body[:LineIDSize], s.LineIn[:]) {
		return nil, merr.New(op, merr.Crypto, fmt.Errorf("line ID mismatch"))
	}

	tag := body[LineIDSize : LineIDSize+s.params.LineHMACSize]
	seqBytes := body[LineIDSize+s.params.LineHMACSize : minLen]
	ciphertext := body[minLen:]

	mac := hmac.New(s.params.NewHash, s.keyIn)
	mac.Write(seqBytes)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)[:s.params.LineHMACSize]
	if !hmac.Equal(tag, expected) {
		return nil, merr.New(op, merr.Crypto, fmt.Errorf("line HMAC mismatch"))
	}

	var iv [16]byte
	copy(iv[12:], seqBytes)

	plaintext, err := aesCTR(s.keyIn, iv[:], ciphertext)
	if err != nil {
		return nil, merr.New(op, merr.Crypto, err)
	}

	inner, err := lob.Parse(plaintext)
	if err != nil {
		return nil, merr.New(op, merr.Malformed, err)
	}
	return inner, nil
}

// Zero overwrites the session's key material with zeros. Call on teardown.
func (s *Session) Zero() {
	zeroBytes(s.ephPriv)
	zeroBytes(s.openSecret)
	zeroBytes(s.keyOut)
	zeroBytes(s.keyIn)
	zeroBytes(s.selfPriv)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// openIV returns the fixed IV used for open-packet AES-CTR: zero(15)‖0x01.
// The open AES key is derived from the session's ephemeral key, which
// NewSession generates once, so every open one session emits uses the same
// key and IV; a new key comes only with a new session.
func openIV() []byte {
	iv := make([]byte, 16)
	iv[15] = 0x01
	return iv
}

// aesCTR runs AES-CTR over src (same operation for encrypt and decrypt).
func aesCTR(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst, nil
}
