package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// IdLen est la taille binaire commune des identifiants de pairs et de chunks.
const IdLen = 32

const chunkObjectTag byte = 0x5c

var (
	ErrInvalidIdLength = errors.New("invalid identifier length")
	ErrChunkTooLarge   = errors.New("chunk exceeds maximum encodable length")
)

// --- DeviceId ---

// DeviceId identifie un pair du réseau. La valeur zéro est invalide.
type DeviceId [IdLen]byte

// DeviceIdFromName dérive un identifiant stable à partir d'un nom lisible.
func DeviceIdFromName(name string) DeviceId {
	return DeviceId(sha256.Sum256([]byte("bdt-device:" + name)))
}

// DeviceIdFromBytes copie b dans un DeviceId.
func DeviceIdFromBytes(b []byte) (DeviceId, error) {
	var id DeviceId
	if len(b) != IdLen {
		return id, fmt.Errorf("%w: device id has %d bytes, want %d", ErrInvalidIdLength, len(b), IdLen)
	}
	copy(id[:], b)
	return id, nil
}

func ParseDeviceId(s string) (DeviceId, error) {
	return DeviceIdFromBytes(base58.Decode(s))
}

func (d DeviceId) IsZero() bool { return d == DeviceId{} }

func (d DeviceId) String() string { return base58.Encode(d[:]) }

func (d DeviceId) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DeviceId) UnmarshalText(text []byte) error {
	id, err := ParseDeviceId(string(text))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// DeviceDesc décrit un pair distant: son identifiant et les adresses de transport
// (host:port) auxquelles il peut être joint.
type DeviceDesc struct {
	Id        DeviceId `yaml:"id" json:"id"`
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
}

// --- ChunkId ---

// ChunkId identifie un bloc de contenu immuable.
// Octet 0: type d'objet, octets 1..4: longueur (little endian), octets 5..31: préfixe SHA-256 du contenu.
type ChunkId [IdLen]byte

// ChunkIdFromData calcule l'identifiant du contenu donné.
func ChunkIdFromData(data []byte) (ChunkId, error) {
	var id ChunkId
	if uint64(len(data)) > math.MaxUint32 {
		return id, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}
	sum := sha256.Sum256(data)
	id[0] = chunkObjectTag
	binary.LittleEndian.PutUint32(id[1:5], uint32(len(data)))
	copy(id[5:], sum[:IdLen-5])
	return id, nil
}

// MustChunkIdFromData est la variante de ChunkIdFromData pour les données connues valides.
func MustChunkIdFromData(data []byte) ChunkId {
	id, err := ChunkIdFromData(data)
	if err != nil {
		panic(err)
	}
	return id
}

func ChunkIdFromBytes(b []byte) (ChunkId, error) {
	var id ChunkId
	if len(b) != IdLen {
		return id, fmt.Errorf("%w: chunk id has %d bytes, want %d", ErrInvalidIdLength, len(b), IdLen)
	}
	copy(id[:], b)
	return id, nil
}

func ParseChunkId(s string) (ChunkId, error) {
	return ChunkIdFromBytes(base58.Decode(s))
}

// Len retourne la longueur déclarée du contenu.
func (c ChunkId) Len() uint64 {
	return uint64(binary.LittleEndian.Uint32(c[1:5]))
}

func (c ChunkId) IsZero() bool { return c == ChunkId{} }

// Verify vérifie que data correspond à cet identifiant (longueur et hash).
func (c ChunkId) Verify(data []byte) bool {
	other, err := ChunkIdFromData(data)
	if err != nil {
		return false
	}
	return bytes.Equal(c[:], other[:])
}

func (c ChunkId) String() string { return base58.Encode(c[:]) }

func (c ChunkId) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ChunkId) UnmarshalText(text []byte) error {
	id, err := ParseChunkId(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// Range est une sous-plage [Start, End) d'un chunk.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Clamp borne la plage à un contenu de longueur n.
func (r Range) Clamp(n uint64) Range {
	if r.End > n {
		r.End = n
	}
	if r.Start > r.End {
		r.Start = r.End
	}
	return r
}
