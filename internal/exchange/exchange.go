// Package exchange implements the per-peer relationship that combines a
// local identity with a remote identity: ciphersuite negotiation, the crypt
// session that results, and the channel-ID allocation rule for whichever
// side initiates.
package exchange

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/identity"
	"github.com/postalsys/meshline/internal/lob"
	"github.com/postalsys/meshline/internal/merr"
)

// ErrWrongSender marks an open packet that verified cryptographically but
// was sent by a different peer than this exchange's remote identity. A
// caller trialling an open across several candidate exchanges uses it to
// tell "not this peer" apart from a genuinely bad open.
var ErrWrongSender = errors.New("open packet sender does not match exchange's remote identity")

// Exchange is the bidirectional relationship between two hashnames,
// parameterised by the ciphersuite session both sides negotiated.
type Exchange struct {
	Local  *identity.Identity
	Remote *identity.Identity
	Session *crypt.Session

	nextID    uint32
	nextIDSet bool
}

// New negotiates a ciphersuite between local and remote and allocates the
// crypt session for it. force, if non-zero, pins the ciphersuite instead of
// negotiating; the forced suite must be supported by
// both sides.
func New(local, remote *identity.Identity, rng crypt.RandSource, clock crypt.Clock, force crypt.CSID) (*Exchange, error) {
	const op = "exchange.New"

	csid, ok := negotiate(local, remote, force)
	if !ok {
		return nil, merr.New(op, merr.State, fmt.Errorf("no common ciphersuite between %s and %s", local.Hashname, remote.Hashname))
	}

	localKeys := local.Keys[csid]
	remoteKeys := remote.Keys[csid]
	if localKeys == nil || localKeys.Private == nil {
		return nil, merr.New(op, merr.State, fmt.Errorf("local identity has no private key for ciphersuite %s", csid))
	}
	if remoteKeys == nil {
		return nil, merr.New(op, merr.State, fmt.Errorf("remote identity has no public key for ciphersuite %s", csid))
	}

	session, err := crypt.NewSession(csid, rng, clock.NowSeconds(), localKeys.Public, localKeys.Private, remoteKeys.Public)
	if err != nil {
		return nil, err
	}

	return &Exchange{Local: local, Remote: remote, Session: session}, nil
}

func negotiate(local, remote *identity.Identity, force crypt.CSID) (crypt.CSID, bool) {
	localIDs := csidsOf(local)
	remoteIDs := csidsOf(remote)
	if force != 0 {
		for _, id := range localIDs {
			if id == force {
				for _, rid := range remoteIDs {
					if rid == force {
						return force, true
					}
				}
			}
		}
		return 0, false
	}
	return crypt.Best(localIDs, remoteIDs)
}

func csidsOf(id *identity.Identity) []crypt.CSID {
	ids := make([]crypt.CSID, 0, len(id.Keys))
	for csid := range id.Keys {
		ids = append(ids, csid)
	}
	return ids
}

// NextChannelID returns the next channel ID this side should use when
// opening a channel on this exchange. The initiator uses even IDs iff its
// hashname sorts lower than the peer's, odd otherwise.
func (e *Exchange) NextChannelID() uint32 {
	if !e.nextIDSet {
		if bytes.Compare(e.Local.Hashname[:], e.Remote.Hashname[:]) < 0 {
			e.nextID = 0
		} else {
			e.nextID = 1
		}
		e.nextIDSet = true
	}
	id := e.nextID
	e.nextID += 2
	return id
}

// Openize builds a fresh open handshake packet addressed to the remote side
// of this exchange.
func (e *Exchange) Openize(rng crypt.RandSource) (*lob.Packet, error) {
	return crypt.Openize(rng, e.Session, lob.New())
}

// Deopenize verifies and decrypts an inbound open packet, rejecting one
// addressed to a different ciphersuite than this exchange negotiated, or
// whose embedded sender public key does not belong to this exchange's
// remote identity. The second check matters because
// Deopenize's own cryptographic verification depends only on our own
// identity keys, never on which remote we expected — without it, trying the
// same open against the wrong exchange among several candidates would
// "succeed" and silently misattribute the session.
func (e *Exchange) Deopenize(rng crypt.RandSource, open *lob.Packet) (*lob.Packet, error) {
	const op = "exchange.Deopenize"
	csid, ok := open.OpenCSID()
	if !ok || crypt.CSID(csid) != e.Session.CSID() {
		return nil, merr.New(op, merr.Malformed, fmt.Errorf("open packet ciphersuite does not match exchange"))
	}
	localKeys := e.Local.Keys[e.Session.CSID()]
	inner, err := crypt.Deopenize(e.Session.CSID(), rng, localKeys.Public, localKeys.Private, open)
	if err != nil {
		return nil, err
	}
	expected := e.Remote.Keys[e.Session.CSID()]
	if expected == nil || !bytes.Equal(expected.Public, inner.Body()) {
		return nil, merr.New(op, merr.Crypto, ErrWrongSender)
	}
	return inner, nil
}

// Line derives this exchange's symmetric line keys from an accepted open's
// inner packet.
func (e *Exchange) Line(inner *lob.Packet) error {
	return crypt.Line(e.Session, inner)
}

// Lineize encrypts inner into a line packet under this exchange's session.
func (e *Exchange) Lineize(inner *lob.Packet) (*lob.Packet, error) {
	return crypt.Lineize(e.Session, inner)
}

// Delineize verifies and decrypts an inbound line packet under this
// exchange's session.
func (e *Exchange) Delineize(linePkt *lob.Packet) (*lob.Packet, error) {
	return crypt.Delineize(e.Session, linePkt)
}
