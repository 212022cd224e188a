package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

// 记录格式（小端）：
//
//	[bodyLen:4][seq:8][ts:8][typeLen:2][type][payload][crc32c:4]
//
// bodyLen 覆盖 seq 到 payload，CRC 覆盖同样的字节
const (
	lenSize      = 4
	crcSize      = 4
	fixedBody    = 8 + 8 + 2
	recordFrame  = lenSize + crcSize
	MaxTypeLen   = math.MaxUint16
	MaxPayload   = 16 << 20
	maxRecordLen = fixedBody + MaxTypeLen + MaxPayload
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errTorn 记录不完整或校验失败
var errTorn = errors.New("torn record")

func encodedSize(m *Message) int {
	return recordFrame + fixedBody + len(m.Type) + len(m.Payload)
}

func encodeRecord(m *Message) []byte {
	body := fixedBody + len(m.Type) + len(m.Payload)
	buf := make([]byte, lenSize+body+crcSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(body))
	binary.LittleEndian.PutUint64(buf[4:12], m.Sequence)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(m.Type)))
	n := 22
	n += copy(buf[n:], m.Type)
	n += copy(buf[n:], m.Payload)
	binary.LittleEndian.PutUint32(buf[n:], crc32.Checksum(buf[lenSize:n], crc32cTable))
	return buf
}

// readRecord 从 r 当前位置解码一条记录，返回消息和消耗的字节数。
// 不完整或校验失败的记录返回（包裹的）errTorn；只有在记录边界处才返回 io.EOF
func readRecord(r io.Reader) (Message, int, error) {
	var hdr [lenSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return Message{}, 0, io.EOF
	}
	if err != nil {
		return Message{}, n, fmt.Errorf("%w: short length prefix", errTorn)
	}

	body := int(binary.LittleEndian.Uint32(hdr[:]))
	if body < fixedBody || body > maxRecordLen {
		return Message{}, n, fmt.Errorf("%w: implausible length %d", errTorn, body)
	}

	buf := make([]byte, body+crcSize)
	m, err := io.ReadFull(r, buf)
	n += m
	if err != nil {
		return Message{}, n, fmt.Errorf("%w: short body", errTorn)
	}

	want := binary.LittleEndian.Uint32(buf[body:])
	if crc32.Checksum(buf[:body], crc32cTable) != want {
		return Message{}, n, fmt.Errorf("%w: checksum mismatch", errTorn)
	}
	return decodeBody(buf[:body], n)
}

func decodeBody(body []byte, n int) (Message, int, error) {
	typeLen := int(binary.LittleEndian.Uint16(body[16:18]))
	if fixedBody+typeLen > len(body) {
		return Message{}, n, fmt.Errorf("%w: type overruns body", errTorn)
	}
	msg := Message{
		Sequence:  binary.LittleEndian.Uint64(body[0:8]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(body[8:16]))).UTC(),
		Type:      string(body[fixedBody : fixedBody+typeLen]),
	}
	payload := body[fixedBody+typeLen:]
	msg.Payload = make([]byte, len(payload))
	copy(msg.Payload, payload)
	return msg, n, nil
}
