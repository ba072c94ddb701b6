package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// buildFrame encodes one record as spec.md §6's on-disk format:
// u32 length | u64 seq | u8 tag | payload | u32 crc32(length..payload). The
// CRC covers the length prefix as well as the body, so a torn write that
// corrupts only the length field is still caught on replay.
func buildFrame(seq uint64, tag Tag, payload []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, seq) //nolint:errcheck
	body.WriteByte(byte(tag))
	body.Write(payload)

	var lengthField [4]byte
	binary.LittleEndian.PutUint32(lengthField[:], uint32(body.Len()))

	crc := crc32.NewIEEE()
	crc.Write(lengthField[:])   //nolint:errcheck
	crc.Write(body.Bytes())     //nolint:errcheck

	var frame bytes.Buffer
	frame.Write(lengthField[:])
	frame.Write(body.Bytes())
	binary.Write(&frame, binary.LittleEndian, crc.Sum32()) //nolint:errcheck
	return frame.Bytes()
}

// readFrame reads and CRC-validates one record from r. It returns io.EOF
// (unwrapped) when r is exhausted at a frame boundary, so callers can treat
// end-of-segment as a normal stop condition.
func readFrame(r *bufio.Reader) (seq uint64, tag Tag, payload []byte, err error) {
	var lengthField [4]byte
	if _, err = io.ReadFull(r, lengthField[:]); err != nil {
		if err == io.EOF {
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, fmt.Errorf("wal: reading frame length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lengthField[:])

	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, nil, fmt.Errorf("wal: reading frame body: %w", err)
	}

	var wantCRC uint32
	if err = binary.Read(r, binary.LittleEndian, &wantCRC); err != nil {
		return 0, 0, nil, fmt.Errorf("wal: reading frame crc: %w", err)
	}
	crc := crc32.NewIEEE()
	crc.Write(lengthField[:]) //nolint:errcheck
	crc.Write(body)           //nolint:errcheck
	if gotCRC := crc.Sum32(); gotCRC != wantCRC {
		return 0, 0, nil, fmt.Errorf("wal: crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	br := bytes.NewReader(body)
	if err = binary.Read(br, binary.LittleEndian, &seq); err != nil {
		return 0, 0, nil, err
	}
	tagByte, err := br.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	tag = Tag(tagByte)
	payload = body[9:] // 8 bytes seq + 1 byte tag consumed above
	return seq, tag, payload, nil
}
