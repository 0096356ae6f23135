package protocol

import (
	"bdt/internal/types"
)

const (
	// MaxPiecePayload est la taille de payload par défaut d'un PieceData.
	MaxPiecePayload = 16 * 1024
	// MaxPieceSize borne la taille de pièce qu'un pair peut demander.
	MaxPieceSize = 64 * 1024
)

type CodecKind uint8

const (
	CodecUnknown CodecKind = iota
	CodecStream
)

// CodecDesc décrit le découpage d'un chunk en pièces pour une session.
// Pour un Stream, [Start, End) est la plage d'index de pièces et |Step| la taille
// de payload d'une pièce; un Step négatif demande un envoi en ordre inverse.
type CodecDesc struct {
	Kind  CodecKind
	Start uint32
	End   uint32
	Step  int32
}

func StreamDesc(start, end uint32, step int32) CodecDesc {
	return CodecDesc{Kind: CodecStream, Start: start, End: end, Step: step}
}

func (d CodecDesc) IsUnknown() bool { return d.Kind == CodecUnknown }

// PieceSize retourne la taille de payload d'une pièce.
func (d CodecDesc) PieceSize() int {
	if d.Step < 0 {
		return int(-d.Step)
	}
	return int(d.Step)
}

// FillValues complète un descripteur partiel pour le chunk donné: flux complet,
// pièces de pieceSize octets (MaxPiecePayload si pieceSize <= 0).
func (d CodecDesc) FillValues(chunk types.ChunkId, pieceSize int) CodecDesc {
	if pieceSize <= 0 {
		pieceSize = MaxPiecePayload
	}
	if d.Kind == CodecUnknown {
		d = CodecDesc{Kind: CodecStream}
	}
	if d.Step == 0 {
		d.Step = int32(pieceSize)
	}
	if d.End == 0 {
		d.End = PieceCount(chunk.Len(), d.PieceSize())
	}
	if d.Start > d.End {
		d.Start = d.End
	}
	return d
}

// Indices retourne les index de pièces dans l'ordre d'envoi.
func (d CodecDesc) Indices() []uint32 {
	if d.End <= d.Start {
		return nil
	}
	out := make([]uint32, 0, d.End-d.Start)
	if d.Step < 0 {
		for i := d.End; i > d.Start; i-- {
			out = append(out, i-1)
		}
		return out
	}
	for i := d.Start; i < d.End; i++ {
		out = append(out, i)
	}
	return out
}

// PieceCount retourne le nombre de pièces de pieceSize octets nécessaires pour length octets.
func PieceCount(length uint64, pieceSize int) uint32 {
	if pieceSize <= 0 || length == 0 {
		return 0
	}
	return uint32((length + uint64(pieceSize) - 1) / uint64(pieceSize))
}
