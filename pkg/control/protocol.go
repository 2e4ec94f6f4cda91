// Package control implements the control socket protocol for dinit,
// enabling runtime management of services via Unix domain sockets.
package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mstuehn/dinit/pkg/service"
)

// Protocol version for the dinit control protocol.
const ProtocolVersion uint16 = 1

// Command codes (client → server).
const (
	CmdQueryVersion   uint8 = 0
	CmdFindService    uint8 = 1
	CmdLoadService    uint8 = 2
	CmdStartService   uint8 = 3
	CmdStopService    uint8 = 4
	CmdWakeService    uint8 = 5
	CmdReleaseService uint8 = 6
	CmdUnpinService   uint8 = 7
	CmdListServices   uint8 = 8
	CmdRestartService uint8 = 9
	CmdShutdown       uint8 = 10
	CmdUnloadService  uint8 = 11
	CmdAddDep         uint8 = 12
	CmdRmDep          uint8 = 13
	CmdCatLog         uint8 = 14
	CmdServiceStatus  uint8 = 18
	CmdSetTrigger     uint8 = 19
	CmdSignal         uint8 = 21
	CmdCloseHandle    uint8 = 23
)

// Reply codes (server → client).
const (
	RplyACK           uint8 = 50
	RplyNAK           uint8 = 51
	RplyBadReq        uint8 = 52
	RplyCPVersion     uint8 = 58
	RplyServiceRecord uint8 = 59
	RplyNoService     uint8 = 60
	RplyAlreadySS     uint8 = 61
	RplySvcInfo       uint8 = 62
	RplyListDone      uint8 = 63
	RplyShuttingDown  uint8 = 69
	RplyServiceStatus uint8 = 70
	RplyCatLogData    uint8 = 71
	RplySignalNoPID   uint8 = 74
	RplySignalErr     uint8 = 76
	RplyErrMsg        uint8 = 77
)

// Status flags byte bits.
const (
	StatusFlagHasPID       uint8 = 1 << 0
	StatusFlagMarkedActive uint8 = 1 << 1
	StatusFlagWaitingDeps  uint8 = 1 << 2
	StatusFlagStartFailed  uint8 = 1 << 3
	StatusFlagStartSkipped uint8 = 1 << 4
	StatusFlagPinStarted   uint8 = 1 << 5
	StatusFlagPinStopped   uint8 = 1 << 6
)

// Maximum payload size. Packets are [type(1)][payloadLen(2)][payload(N)].
const MaxPayloadSize = 4096

// WritePacket writes a packet: [type(1)][payloadLen(2)][payload(N)].
func WritePacket(w io.Writer, pktType uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayloadSize)
	}
	hdr := [3]byte{pktType}
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket reads a packet: [type(1)][payloadLen(2)][payload(N)].
func ReadPacket(r io.Reader) (pktType uint8, payload []byte, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	pktType = hdr[0]
	pLen := binary.LittleEndian.Uint16(hdr[1:])
	if pLen > MaxPayloadSize {
		return 0, nil, fmt.Errorf("payload too large: %d", pLen)
	}
	if pLen > 0 {
		payload = make([]byte, pLen)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return pktType, payload, nil
}

// EncodeServiceName encodes a service name as [len(2)][name(N)].
func EncodeServiceName(name string) []byte {
	b := make([]byte, 2+len(name))
	binary.LittleEndian.PutUint16(b, uint16(len(name)))
	copy(b[2:], name)
	return b
}

// DecodeServiceName decodes a service name from [len(2)][name(N)].
// Returns the name and number of bytes consumed.
func DecodeServiceName(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, fmt.Errorf("data too short for service name length")
	}
	nameLen := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+nameLen {
		return "", 0, fmt.Errorf("data too short for service name: need %d, have %d", 2+nameLen, len(data))
	}
	return string(data[2 : 2+nameLen]), 2 + nameLen, nil
}

// EncodeHandle encodes a uint32 handle.
func EncodeHandle(h uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, h)
	return b
}

// DecodeHandle decodes a uint32 handle from data.
func DecodeHandle(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("data too short for handle: need 4, have %d", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ServiceStatusInfo holds the status information for a service.
type ServiceStatusInfo struct {
	State       service.ServiceState
	TargetState service.ServiceState
	SvcType     service.ServiceType
	StopReason  service.StoppedReason
	Flags       uint8
	PID         int32
	ExitStatus  int32
}

func statusFlags(svc service.Service) uint8 {
	rec := svc.Record()
	var flags uint8
	if svc.PID() > 0 {
		flags |= StatusFlagHasPID
	}
	if rec.IsMarkedActive() {
		flags |= StatusFlagMarkedActive
	}
	if rec.DidStartFail() {
		flags |= StatusFlagStartFailed
	}
	if rec.WasStartSkipped() {
		flags |= StatusFlagStartSkipped
	}
	if rec.IsStartPinned() {
		flags |= StatusFlagPinStarted
	}
	if rec.IsStopPinned() {
		flags |= StatusFlagPinStopped
	}
	return flags
}

// EncodeServiceStatus encodes service status into bytes.
// Format: state(1) + target(1) + type(1) + reason(1) + flags(1) + pid(4) + exitStatus(4).
func EncodeServiceStatus(svc service.Service) []byte {
	buf := make([]byte, 13)
	buf[0] = uint8(svc.State())
	buf[1] = uint8(svc.TargetState())
	buf[2] = uint8(svc.Type())
	buf[3] = uint8(svc.StopReason())
	buf[4] = statusFlags(svc)
	binary.LittleEndian.PutUint32(buf[5:], uint32(int32(svc.PID())))
	binary.LittleEndian.PutUint32(buf[9:], uint32(int32(svc.GetExitStatus().ExitCode())))
	return buf
}

// DecodeServiceStatus decodes service status from bytes.
func DecodeServiceStatus(data []byte) (ServiceStatusInfo, error) {
	if len(data) < 13 {
		return ServiceStatusInfo{}, fmt.Errorf("data too short for status: need 13, have %d", len(data))
	}
	return ServiceStatusInfo{
		State:       service.ServiceState(data[0]),
		TargetState: service.ServiceState(data[1]),
		SvcType:     service.ServiceType(data[2]),
		StopReason:  service.StoppedReason(data[3]),
		Flags:       data[4],
		PID:         int32(binary.LittleEndian.Uint32(data[5:])),
		ExitStatus:  int32(binary.LittleEndian.Uint32(data[9:])),
	}, nil
}

// SvcInfoEntry holds list info for one service.
type SvcInfoEntry struct {
	Name        string
	State       service.ServiceState
	TargetState service.ServiceState
	SvcType     service.ServiceType
	StopReason  service.StoppedReason
	Flags       uint8
	PID         int32
	ExitStatus  int32
}

// EncodeSvcInfo encodes a service info entry for the list command.
// Format: nameLen(2) + name(N) + state(1) + target(1) + type(1) + reason(1) +
// flags(1) + pid(4) + exitStatus(4).
func EncodeSvcInfo(svc service.Service) []byte {
	name := svc.Name()
	buf := make([]byte, 2+len(name)+13)
	binary.LittleEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[2:], name)
	off := 2 + len(name)
	buf[off] = uint8(svc.State())
	buf[off+1] = uint8(svc.TargetState())
	buf[off+2] = uint8(svc.Type())
	buf[off+3] = uint8(svc.StopReason())
	buf[off+4] = statusFlags(svc)
	binary.LittleEndian.PutUint32(buf[off+5:], uint32(int32(svc.PID())))
	binary.LittleEndian.PutUint32(buf[off+9:], uint32(int32(svc.GetExitStatus().ExitCode())))
	return buf
}

// DecodeSvcInfo decodes a service info entry.
func DecodeSvcInfo(data []byte) (SvcInfoEntry, int, error) {
	name, n, err := DecodeServiceName(data)
	if err != nil {
		return SvcInfoEntry{}, 0, err
	}
	if len(data) < n+13 {
		return SvcInfoEntry{}, 0, fmt.Errorf("data too short for svc info")
	}
	entry := SvcInfoEntry{
		Name:        name,
		State:       service.ServiceState(data[n]),
		TargetState: service.ServiceState(data[n+1]),
		SvcType:     service.ServiceType(data[n+2]),
		StopReason:  service.StoppedReason(data[n+3]),
		Flags:       data[n+4],
		PID:         int32(binary.LittleEndian.Uint32(data[n+5:])),
		ExitStatus:  int32(binary.LittleEndian.Uint32(data[n+9:])),
	}
	return entry, n + 13, nil
}

// EncodeDepRequest encodes an add-dep/rm-dep request:
// depType(1) + fromName + toName.
func EncodeDepRequest(from, to string, depType service.DependencyType) []byte {
	buf := []byte{uint8(depType)}
	buf = append(buf, EncodeServiceName(from)...)
	buf = append(buf, EncodeServiceName(to)...)
	return buf
}

// DecodeDepRequest decodes an add-dep/rm-dep request.
func DecodeDepRequest(data []byte) (from, to string, depType service.DependencyType, err error) {
	if len(data) < 1 {
		return "", "", 0, fmt.Errorf("dep request too short")
	}
	depType = service.DependencyType(data[0])
	from, n, err := DecodeServiceName(data[1:])
	if err != nil {
		return "", "", 0, err
	}
	to, _, err = DecodeServiceName(data[1+n:])
	return from, to, depType, err
}
