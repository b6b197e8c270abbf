package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records on disk are framed as: u32 payload length | u32 crc32c(payload) | payload.
// Payloads use protobuf wire format so fields can be added without breaking old files.
const recordHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("corrupt record")

const (
	entryIndexField protowire.Number = 1
	entryTermField  protowire.Number = 2
	entryDataField  protowire.Number = 3

	hsTermField   protowire.Number = 1
	hsVoteField   protowire.Number = 2
	hsCommitField protowire.Number = 3

	snapIndexField protowire.Number = 1
	snapTermField  protowire.Number = 2
	snapVoterField protowire.Number = 3
	snapDataField  protowire.Number = 4
)

func frame(payload []byte) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	return append(buf, payload...)
}

// readFrame returns io.EOF on a clean end and errCorruptRecord (or io.ErrUnexpectedEOF)
// on a torn or damaged record.
func readFrame(r io.Reader) ([]byte, int64, error) {
	header := make([]byte, recordHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}
	size := binary.BigEndian.Uint32(header[:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if size > maxRecordSize {
		return nil, 0, errCorruptRecord
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return nil, 0, errCorruptRecord
	}
	return payload, int64(recordHeaderSize) + int64(size), nil
}

const maxRecordSize = 64 << 20

func encodeEntry(e raftpb.Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, entryIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, entryTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, entryDataField, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	return b
}

func decodeEntry(b []byte) (raftpb.Entry, error) {
	var e raftpb.Entry
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryIndexField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Index = v
			return n, nil
		case num == entryTermField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = v
			return n, nil
		case num == entryDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e.Data = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

func encodeHardState(hs raftpb.HardState) []byte {
	var b []byte
	b = protowire.AppendTag(b, hsTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, hs.Term)
	if hs.Vote != "" {
		b = protowire.AppendTag(b, hsVoteField, protowire.BytesType)
		b = protowire.AppendString(b, hs.Vote)
	}
	b = protowire.AppendTag(b, hsCommitField, protowire.VarintType)
	b = protowire.AppendVarint(b, hs.Commit)
	return b
}

func decodeHardState(b []byte) (raftpb.HardState, error) {
	var hs raftpb.HardState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == hsTermField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			hs.Term = v
			return n, nil
		case num == hsVoteField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			hs.Vote = v
			return n, nil
		case num == hsCommitField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			hs.Commit = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return hs, err
}

func encodeSnapshot(s raftpb.Snapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, snapIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Metadata.Index)
	b = protowire.AppendTag(b, snapTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Metadata.Term)
	for _, v := range s.Metadata.ConfState.Voters {
		b = protowire.AppendTag(b, snapVoterField, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	b = protowire.AppendTag(b, snapDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Data)
	return b
}

func decodeSnapshot(b []byte) (raftpb.Snapshot, error) {
	var s raftpb.Snapshot
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == snapIndexField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Metadata.Index = v
			return n, nil
		case num == snapTermField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Metadata.Term = v
			return n, nil
		case num == snapVoterField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				s.Metadata.ConfState.Voters = append(s.Metadata.ConfState.Voters, v)
			}
			return n, nil
		case num == snapDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				s.Data = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return s, err
}

func walkFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
