package standa

import (
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"
)

// 4-byte ASCII command codes from the controller's binary protocol
const (
	cmdGetPos          = "gpos"
	cmdMoveAbs         = "move"
	cmdMoveRel         = "movr"
	cmdHome            = "home"
	cmdStop            = "stop"
	cmdStatus          = "gets"
	cmdGetSerial       = "gser"
	cmdSetMoveSettings = "smov"
	cmdGetMoveSettings = "gmov"
)

// movingBit is the bit of the MoveSts status byte which indicates a motion
// command is still executing
const movingBit = 0x01

var (
	// dataOrder is the byte order of payload fields
	dataOrder = binary.LittleEndian

	// the controller checksums the data field with the reflected 0x8005
	// polynomial, initial value 0xFFFF
	crcTable = crc.NewTable(&crc.Parameters{
		Width:      16,
		Polynomial: 0x8005,
		Init:       0xFFFF,
		ReflectIn:  true,
		ReflectOut: true,
		FinalXor:   0,
	})

	// cmdDataLen is the payload size of each command, excluding the command
	// code and CRC.  Commands with zero payload carry no CRC either.
	cmdDataLen = map[string]int{
		cmdGetPos:          0,
		cmdMoveAbs:         12,
		cmdMoveRel:         12,
		cmdHome:            0,
		cmdStop:            0,
		cmdStatus:          0,
		cmdGetSerial:       0,
		cmdSetMoveSettings: 24,
		cmdGetMoveSettings: 0,
	}

	// respDataLen is the payload size of each response, same conventions
	respDataLen = map[string]int{
		cmdGetPos:          20,
		cmdMoveAbs:         0,
		cmdMoveRel:         0,
		cmdHome:            0,
		cmdStop:            0,
		cmdStatus:          48,
		cmdGetSerial:       4,
		cmdSetMoveSettings: 0,
		cmdGetMoveSettings: 24,
	}

	// protocol-level error replies; the controller substitutes one of these
	// for the command echo when it rejects a frame
	protocolErrors = map[string]string{
		"errc": "controller: unknown command",
		"errd": "controller: frame failed CRC check",
		"errv": "controller: parameter value rejected",
	}
)

// encodeTelegram packs a command and its payload into a wire frame.  Frames
// with a payload are suffixed with a little-endian CRC-16 of the payload.
func encodeTelegram(cmd string, data []byte) ([]byte, error) {
	want, ok := cmdDataLen[cmd]
	if !ok {
		return nil, fmt.Errorf("standa: unsupported command %q", cmd)
	}
	if len(data) != want {
		return nil, fmt.Errorf("standa: command %q payload is %d bytes, want %d", cmd, len(data), want)
	}
	frame := make([]byte, 0, 4+len(data)+2)
	frame = append(frame, cmd...)
	if len(data) == 0 {
		return frame, nil
	}
	frame = append(frame, data...)
	chk := uint16(crcTable.CalculateCRC(data))
	frame = dataOrder.AppendUint16(frame, chk)
	return frame, nil
}

// responseLen returns the total wire size of the reply to cmd.
func responseLen(cmd string) int {
	n := respDataLen[cmd]
	if n == 0 {
		return 4
	}
	return 4 + n + 2
}

// decodeTelegram validates a response frame against the command which
// provoked it and returns the payload.
func decodeTelegram(cmd string, frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("standa: response truncated, %d bytes", len(frame))
	}
	echo := string(frame[:4])
	if echo != cmd {
		if msg, ok := protocolErrors[echo]; ok {
			return nil, fmt.Errorf("standa: %s (sent %q)", msg, cmd)
		}
		return nil, fmt.Errorf("standa: desynchronized, sent %q got %q", cmd, echo)
	}
	if len(frame) != responseLen(cmd) {
		return nil, fmt.Errorf("standa: response to %q is %d bytes, want %d", cmd, len(frame), responseLen(cmd))
	}
	if len(frame) == 4 {
		return nil, nil
	}
	data := frame[4 : len(frame)-2]
	got := dataOrder.Uint16(frame[len(frame)-2:])
	want := uint16(crcTable.CalculateCRC(data))
	if got != want {
		return nil, fmt.Errorf("standa: response to %q failed CRC check, got %#04x want %#04x", cmd, got, want)
	}
	return data, nil
}

// status is the decoded reply to a gets command.  Only the fields the server
// acts on are broken out.
type status struct {
	MoveSts  byte
	Position int32
	Speed    int32
	Flags    uint32
}

// Moving reports whether a motion command is in progress.
func (s status) Moving() bool {
	return s.MoveSts&movingBit != 0
}

func parseStatus(data []byte) status {
	return status{
		MoveSts:  data[0],
		Position: int32(dataOrder.Uint32(data[5:9])),
		Speed:    int32(dataOrder.Uint32(data[15:19])),
		Flags:    dataOrder.Uint32(data[33:37]),
	}
}

// parsePosition decodes the step counter from a gpos reply.
func parsePosition(data []byte) int32 {
	return int32(dataOrder.Uint32(data[0:4]))
}

// encodeMove packs a move or movr payload for a full-step target.
func encodeMove(steps int32) []byte {
	data := make([]byte, 12)
	dataOrder.PutUint32(data[0:4], uint32(steps))
	// microsteps and the reserved tail stay zero
	return data
}

// moveSettings is the speed block carried by smov and gmov.
type moveSettings struct {
	Speed         uint32
	Accel         uint16
	Decel         uint16
	AntiplaySpeed uint32
}

func encodeMoveSettings(ms moveSettings) []byte {
	data := make([]byte, 24)
	dataOrder.PutUint32(data[0:4], ms.Speed)
	dataOrder.PutUint16(data[5:7], ms.Accel)
	dataOrder.PutUint16(data[7:9], ms.Decel)
	dataOrder.PutUint32(data[9:13], ms.AntiplaySpeed)
	return data
}

func parseMoveSettings(data []byte) moveSettings {
	return moveSettings{
		Speed:         dataOrder.Uint32(data[0:4]),
		Accel:         dataOrder.Uint16(data[5:7]),
		Decel:         dataOrder.Uint16(data[7:9]),
		AntiplaySpeed: dataOrder.Uint32(data[9:13]),
	}
}

// parseSerial decodes the board serial number from a gser reply.
func parseSerial(data []byte) uint32 {
	return dataOrder.Uint32(data[0:4])
}
