package protocol

import (
	"errors"
	"fmt"

	"bdt/internal/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPackageSize borne la taille encodée d'un package.
const MaxPackageSize = 2 * 1024 * 1024

var (
	ErrUnknownCommand = errors.New("unknown package command")
	ErrEmptyPackage   = errors.New("empty package")
	ErrPackageTooBig  = errors.New("encoded package exceeds maximum size")
)

// Encode sérialise pkg: un octet de commande suivi des champs au format protobuf.
func Encode(pkg Package) ([]byte, error) {
	if pkg == nil {
		return nil, ErrEmptyPackage
	}
	b := make([]byte, 1, 64)
	b[0] = byte(pkg.Cmd())
	b = pkg.appendFields(b)
	if len(b) > MaxPackageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrPackageTooBig, pkg.Cmd(), len(b))
	}
	return b, nil
}

// Decode désérialise un package encodé par Encode. Les champs inconnus sont ignorés.
func Decode(b []byte) (Package, error) {
	if len(b) == 0 {
		return nil, ErrEmptyPackage
	}
	pkg := newPackage(Command(b[0]))
	if pkg == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, b[0])
	}
	if err := consumeFields(b[1:], pkg.consumeField); err != nil {
		return nil, types.NewError(types.InvalidData, "decode %s: %v", pkg.Cmd(), err)
	}
	return pkg, nil
}

// --- Helpers protowire ---

type field struct {
	num protowire.Number
	typ protowire.Type
	b   []byte
}

// consumeFields parcourt b; fn retourne 0 pour un champ qu'il ne traite pas.
func consumeFields(b []byte, fn func(field) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(field{num: num, typ: typ, b: b})
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func (f field) varint(dst *uint64) (int, error) {
	if f.typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(f.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func (f field) uint32(dst *uint32) (int, error) {
	var v uint64
	n, err := f.varint(&v)
	if n > 0 {
		*dst = uint32(v)
	}
	return n, err
}

func (f field) bytes(dst *[]byte) (int, error) {
	if f.typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(f.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func (f field) string(dst *string) (int, error) {
	var v []byte
	n, err := f.bytes(&v)
	if n > 0 {
		*dst = string(v)
	}
	return n, err
}

func (f field) id(dst *[types.IdLen]byte) (int, error) {
	var v []byte
	n, err := f.bytes(&v)
	if n == 0 || err != nil {
		return n, err
	}
	if len(v) != types.IdLen {
		return 0, fmt.Errorf("%w: field %d has %d bytes", types.ErrInvalidIdLength, f.num, len(v))
	}
	copy(dst[:], v)
	return n, nil
}

// nested décode un sous-message dans fn.
func (f field) nested(fn func(field) (int, error)) (int, error) {
	var v []byte
	n, err := f.bytes(&v)
	if n == 0 || err != nil {
		return n, err
	}
	if err := consumeFields(v, fn); err != nil {
		return 0, err
	}
	return n, nil
}

// packed décode un repeated uint32, packé ou non.
func (f field) packed(dst *[]uint32) (int, error) {
	switch f.typ {
	case protowire.VarintType:
		var v uint32
		n, err := f.uint32(&v)
		if n > 0 {
			*dst = append(*dst, v)
		}
		return n, err
	case protowire.BytesType:
		var v []byte
		n, err := f.bytes(&v)
		if err != nil {
			return 0, err
		}
		for len(v) > 0 {
			x, m := protowire.ConsumeVarint(v)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*dst = append(*dst, uint32(x))
			v = v[m:]
		}
		return n, nil
	}
	return 0, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendId(b []byte, num protowire.Number, id [types.IdLen]byte) []byte {
	if id == [types.IdLen]byte{} {
		return b
	}
	return appendBytes(b, num, id[:])
}

// --- Encodage par package ---

func (p *SynTunnel) appendFields(b []byte) []byte {
	b = appendId(b, 1, p.From)
	b = appendVarint(b, 2, uint64(p.Seq))
	return appendVarint(b, 3, p.Timestamp)
}

func (p *SynTunnel) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.id((*[types.IdLen]byte)(&p.From))
	case 2:
		return f.uint32(&p.Seq)
	case 3:
		return f.varint(&p.Timestamp)
	}
	return 0, nil
}

func (p *AckTunnel) appendFields(b []byte) []byte {
	b = appendId(b, 1, p.From)
	b = appendVarint(b, 2, uint64(p.Seq))
	return appendVarint(b, 3, uint64(p.Result))
}

func (p *AckTunnel) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.id((*[types.IdLen]byte)(&p.From))
	case 2:
		return f.uint32(&p.Seq)
	case 3:
		var v uint64
		n, err := f.varint(&v)
		p.Result = types.ErrorCode(v)
		return n, err
	}
	return 0, nil
}

func appendCodecDesc(b []byte, num protowire.Number, d CodecDesc) []byte {
	if d.IsUnknown() {
		return b
	}
	var sub []byte
	sub = appendVarint(sub, 1, uint64(d.Kind))
	sub = appendVarint(sub, 2, uint64(d.Start))
	sub = appendVarint(sub, 3, uint64(d.End))
	sub = appendVarint(sub, 4, protowire.EncodeZigZag(int64(d.Step)))
	return appendBytes(b, num, sub)
}

func (d *CodecDesc) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		var v uint64
		n, err := f.varint(&v)
		d.Kind = CodecKind(v)
		return n, err
	case 2:
		return f.uint32(&d.Start)
	case 3:
		return f.uint32(&d.End)
	case 4:
		var v uint64
		n, err := f.varint(&v)
		d.Step = int32(protowire.DecodeZigZag(v))
		return n, err
	}
	return 0, nil
}

func (p *Interest) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(p.SessionId))
	b = appendId(b, 2, p.Chunk)
	b = appendCodecDesc(b, 3, p.Desc)
	b = appendString(b, 4, p.Referer)
	return appendId(b, 5, p.From)
}

func (p *Interest) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.uint32(&p.SessionId)
	case 2:
		return f.id((*[types.IdLen]byte)(&p.Chunk))
	case 3:
		return f.nested(p.Desc.consumeField)
	case 4:
		return f.string(&p.Referer)
	case 5:
		return f.id((*[types.IdLen]byte)(&p.From))
	}
	return 0, nil
}

func appendDeviceDesc(b []byte, num protowire.Number, d *types.DeviceDesc) []byte {
	if d == nil {
		return b
	}
	sub := appendId(nil, 1, d.Id)
	for _, ep := range d.Endpoints {
		sub = appendString(sub, 2, ep)
	}
	return appendBytes(b, num, sub)
}

func consumeDeviceDesc(d *types.DeviceDesc) func(field) (int, error) {
	return func(f field) (int, error) {
		switch f.num {
		case 1:
			return f.id((*[types.IdLen]byte)(&d.Id))
		case 2:
			var ep string
			n, err := f.string(&ep)
			if n > 0 {
				d.Endpoints = append(d.Endpoints, ep)
			}
			return n, err
		}
		return 0, nil
	}
}

func (p *RespInterest) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(p.SessionId))
	b = appendId(b, 2, p.Chunk)
	b = appendVarint(b, 3, uint64(p.Err))
	b = appendDeviceDesc(b, 4, p.Redirect)
	return appendString(b, 5, p.RedirectReferer)
}

func (p *RespInterest) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.uint32(&p.SessionId)
	case 2:
		return f.id((*[types.IdLen]byte)(&p.Chunk))
	case 3:
		var v uint64
		n, err := f.varint(&v)
		p.Err = types.ErrorCode(v)
		return n, err
	case 4:
		p.Redirect = &types.DeviceDesc{}
		return f.nested(consumeDeviceDesc(p.Redirect))
	case 5:
		return f.string(&p.RedirectReferer)
	}
	return 0, nil
}

func (p *PieceData) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(p.SessionId))
	b = appendId(b, 2, p.Chunk)
	b = appendVarint(b, 3, uint64(p.Index))
	return appendBytes(b, 4, p.Data)
}

func (p *PieceData) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.uint32(&p.SessionId)
	case 2:
		return f.id((*[types.IdLen]byte)(&p.Chunk))
	case 3:
		return f.uint32(&p.Index)
	case 4:
		return f.bytes(&p.Data)
	}
	return 0, nil
}

func (p *PieceControl) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(p.SessionId))
	b = appendId(b, 2, p.Chunk)
	b = appendVarint(b, 3, uint64(p.Command))
	b = appendVarint(b, 4, uint64(p.MaxIndex))
	if len(p.LostIndex) > 0 {
		var packed []byte
		for _, idx := range p.LostIndex {
			packed = protowire.AppendVarint(packed, uint64(idx))
		}
		b = appendBytes(b, 5, packed)
	}
	return b
}

func (p *PieceControl) consumeField(f field) (int, error) {
	switch f.num {
	case 1:
		return f.uint32(&p.SessionId)
	case 2:
		return f.id((*[types.IdLen]byte)(&p.Chunk))
	case 3:
		var v uint64
		n, err := f.varint(&v)
		p.Command = ControlCommand(v)
		return n, err
	case 4:
		return f.uint32(&p.MaxIndex)
	case 5:
		return f.packed(&p.LostIndex)
	}
	return 0, nil
}
