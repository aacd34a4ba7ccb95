package eventstream

import (
	"encoding/binary"
	"hash/crc32"
)

// EncodeFrame builds one well-formed EventStream frame carrying the given
// event type and JSON payload, with both CRCs computed correctly. Used by
// tests (and, symmetrically, by anything that needs to emulate the
// upstream's wire format).
func EncodeFrame(eventType string, payload []byte) []byte {
	headers := encodeEventTypeHeader(eventType)
	totalLength := uint32(preludeSize + len(headers) + len(payload) + 4)

	buf := make([]byte, totalLength)
	binary.BigEndian.PutUint32(buf[0:4], totalLength)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(headers)))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[0:8]))

	copy(buf[preludeSize:], headers)
	copy(buf[preludeSize+len(headers):], payload)

	messageCRC := crc32.ChecksumIEEE(buf[:totalLength-4])
	binary.BigEndian.PutUint32(buf[totalLength-4:], messageCRC)
	return buf
}

func encodeEventTypeHeader(eventType string) []byte {
	name := ":event-type"
	out := make([]byte, 0, 1+len(name)+1+2+len(eventType))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, 7) // string type
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(eventType)))
	out = append(out, lenBuf[:]...)
	out = append(out, eventType...)
	return out
}
