// Package identity manages a mesh participant's per-ciphersuite key pairs
// and the hashname derived from them.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/postalsys/meshline/internal/crypt"
)

// HashnameSize is the size in bytes of a hashname.
const HashnameSize = sha256.Size

// Hashname is a mesh participant's stable identifier: SHA-256 over the
// canonical ordering of its ciphersuite public keys.
type Hashname [HashnameSize]byte

// String returns the hex form of the hashname.
func (h Hashname) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hashname) IsZero() bool {
	return h == Hashname{}
}

var errNoKeys = errors.New("identity: no ciphersuite keys present")

// Keyset holds one ciphersuite's public key, and optionally its private
// key (present for a local identity, absent for a remote one).
type Keyset struct {
	CSID    crypt.CSID
	Public  []byte
	Private []byte // nil for a remote identity
}

// Identity is a participant's full set of ciphersuite keys plus its derived
// hashname.
type Identity struct {
	Hashname Hashname
	Keys     map[crypt.CSID]*Keyset
}

// HashnameFromKeys computes the hashname for a set of public keys, per the
// canonical rule: sort by ciphersuite ID ascending, then fold
// csid || pub into a single SHA-256, so the result does not depend on map
// iteration order.
func HashnameFromKeys(keys map[crypt.CSID][]byte) (Hashname, error) {
	if len(keys) == 0 {
		return Hashname{}, errNoKeys
	}
	ids := make([]crypt.CSID, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte{byte(id)})
		h.Write(keys[id])
	}
	var out Hashname
	copy(out[:], h.Sum(nil))
	return out, nil
}

// New derives an Identity from a completed key set (produced by Generate or
// Load).
func New(keys map[crypt.CSID]*Keyset) (*Identity, error) {
	pubs := make(map[crypt.CSID][]byte, len(keys))
	for id, ks := range keys {
		pubs[id] = ks.Public
	}
	hn, err := HashnameFromKeys(pubs)
	if err != nil {
		return nil, err
	}
	return &Identity{Hashname: hn, Keys: keys}, nil
}

// Generate creates a fresh local identity with a key pair for every
// ciphersuite in csids.
func Generate(rng crypt.RandSource, csids []crypt.CSID) (*Identity, error) {
	keys := make(map[crypt.CSID]*Keyset, len(csids))
	for _, id := range csids {
		params, ok := crypt.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("identity.Generate: unregistered ciphersuite %s", id)
		}
		pub, priv, err := params.GenerateKeypair(rng)
		if err != nil {
			return nil, fmt.Errorf("identity.Generate: %s: %w", id, err)
		}
		keys[id] = &Keyset{CSID: id, Public: pub, Private: priv}
	}
	return New(keys)
}

// file is the on-disk JSON shape of an identity: one base64 field
// per ciphersuite public key, and a matching "_secret" field when the
// private key is known.
type file map[string]string

// Marshal encodes id in the persisted identity format.
func (id *Identity) Marshal() ([]byte, error) {
	f := make(file, len(id.Keys)*2)
	for csid, ks := range id.Keys {
		f[csid.String()] = base64.StdEncoding.EncodeToString(ks.Public)
		if ks.Private != nil {
			f[csid.String()+"_secret"] = base64.StdEncoding.EncodeToString(ks.Private)
		}
	}
	return json.MarshalIndent(f, "", "  ")
}

// Parse decodes the persisted identity format into an Identity
// (public keys only, if no "_secret" fields are present).
func Parse(raw []byte) (*Identity, error) {
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("identity.Parse: %w", err)
	}

	keys := make(map[crypt.CSID]*Keyset)
	for key, value := range f {
		if len(key) < 2 {
			continue
		}
		isSecret := len(key) > 2 && key[2:] == "_secret"
		idByte, err := hex.DecodeString(key[:2])
		if err != nil || len(idByte) != 1 {
			continue
		}
		csid := crypt.CSID(idByte[0])
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("identity.Parse: %s: %w", key, err)
		}
		ks, ok := keys[csid]
		if !ok {
			ks = &Keyset{CSID: csid}
			keys[csid] = ks
		}
		if isSecret {
			ks.Private = decoded
		} else {
			ks.Public = decoded
		}
	}

	return New(keys)
}

// Store persists id to path, creating parent directories as needed.
func (id *Identity) Store(path string) error {
	data, err := id.Marshal()
	if err != nil {
		return fmt.Errorf("identity.Store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("identity.Store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("identity.Store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity.Store: %w", err)
	}
	return nil
}

// Load reads and parses an identity file from path.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity.Load: %w", err)
	}
	return Parse(data)
}

// LoadOrGenerate loads an existing identity file at path, or generates and
// persists a new one covering csids if none exists.
func LoadOrGenerate(path string, rng crypt.RandSource, csids []crypt.CSID) (*Identity, bool, error) {
	if _, err := os.Stat(path); err == nil {
		id, err := Load(path)
		return id, false, err
	}
	id, err := Generate(rng, csids)
	if err != nil {
		return nil, false, err
	}
	if err := id.Store(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// PublicKeys returns a map of each ciphersuite's public key only, the form
// handed to a remote peer or used to derive its hashname.
func (id *Identity) PublicKeys() map[crypt.CSID][]byte {
	out := make(map[crypt.CSID][]byte, len(id.Keys))
	for csid, ks := range id.Keys {
		out[csid] = ks.Public
	}
	return out
}
