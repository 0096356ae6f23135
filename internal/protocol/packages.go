package protocol

import (
	"bdt/internal/types"
)

// Command identifie le type d'un package sur un tunnel.
type Command uint8

const (
	CmdInterest     Command = 0
	CmdRespInterest Command = 1
	CmdPieceData    Command = 2
	CmdPieceControl Command = 3
	CmdSynTunnel    Command = 0x10
	CmdAckTunnel    Command = 0x11
)

func (c Command) String() string {
	switch c {
	case CmdInterest:
		return "interest"
	case CmdRespInterest:
		return "resp_interest"
	case CmdPieceData:
		return "piece_data"
	case CmdPieceControl:
		return "piece_control"
	case CmdSynTunnel:
		return "syn_tunnel"
	case CmdAckTunnel:
		return "ack_tunnel"
	default:
		return "unknown"
	}
}

// Package est une unité logique échangée sur un tunnel.
type Package interface {
	Cmd() Command
	appendFields(b []byte) []byte
	consumeField(f field) (int, error)
}

// SynTunnel est obligatoirement la première unité envoyée sur un nouveau tunnel.
type SynTunnel struct {
	From      types.DeviceId
	Seq       uint32
	Timestamp uint64
}

func (*SynTunnel) Cmd() Command { return CmdSynTunnel }

type AckTunnel struct {
	From   types.DeviceId
	Seq    uint32
	Result types.ErrorCode
}

func (*AckTunnel) Cmd() Command { return CmdAckTunnel }

// Interest demande au pair de commencer l'envoi d'un chunk.
type Interest struct {
	SessionId uint32
	Chunk     types.ChunkId
	Desc      CodecDesc
	Referer   string
	From      types.DeviceId // optionnel: demandeur d'origine si relayé
}

func (*Interest) Cmd() Command { return CmdInterest }

// RespInterest répond à un Interest. Err != Ok annule la session côté demandeur;
// Redirect propose une autre source.
type RespInterest struct {
	SessionId       uint32
	Chunk           types.ChunkId
	Err             types.ErrorCode
	Redirect        *types.DeviceDesc
	RedirectReferer string
}

func (*RespInterest) Cmd() Command { return CmdRespInterest }

type PieceData struct {
	SessionId uint32
	Chunk     types.ChunkId
	Index     uint32
	Data      []byte
}

func (*PieceData) Cmd() Command { return CmdPieceData }

type ControlCommand uint8

const (
	ControlContinue ControlCommand = iota
	ControlFinish
	ControlCancel
)

func (c ControlCommand) String() string {
	switch c {
	case ControlContinue:
		return "continue"
	case ControlFinish:
		return "finish"
	case ControlCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// PieceControl est envoyé par le receveur pour piloter une session d'upload.
type PieceControl struct {
	SessionId uint32
	Chunk     types.ChunkId
	Command   ControlCommand
	MaxIndex  uint32
	LostIndex []uint32
}

func (*PieceControl) Cmd() Command { return CmdPieceControl }

func newPackage(cmd Command) Package {
	switch cmd {
	case CmdInterest:
		return &Interest{}
	case CmdRespInterest:
		return &RespInterest{}
	case CmdPieceData:
		return &PieceData{}
	case CmdPieceControl:
		return &PieceControl{}
	case CmdSynTunnel:
		return &SynTunnel{}
	case CmdAckTunnel:
		return &AckTunnel{}
	default:
		return nil
	}
}
