package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/xraph/quorum/codec"
)

const recordHeader = 8

// maxRecordSize bounds a record body so a corrupt length cannot cause a huge
// allocation during recovery.
const maxRecordSize = 2 * codec.MaxFrameSize

func encodeRecord(e Entry) ([]byte, error) {
	body, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.Index, err)
	}
	buf := make([]byte, recordHeader+len(body))
	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body))) //nolint:gosec // bounded by frame size
	copy(buf[recordHeader:], body)
	return buf, nil
}

// scanResult describes the records recovered from a log file.
type scanResult struct {
	entries []Entry
	offsets []int64
	// validSize is the length of the intact prefix. Anything after it is a
	// torn write.
	validSize int64
}

// scanRecords reads records from r, whose total length is size.
func scanRecords(r io.ReaderAt, size int64) (scanResult, error) {
	var res scanResult
	var off int64
	hdr := make([]byte, recordHeader)
	for off < size {
		if size-off < recordHeader {
			break
		}
		if _, err := r.ReadAt(hdr, off); err != nil {
			return res, fmt.Errorf("%w: read header at %d: %v", ErrIO, off, err)
		}
		sum := binary.BigEndian.Uint32(hdr[0:4])
		n := int64(binary.BigEndian.Uint32(hdr[4:8]))
		end := off + recordHeader + n
		if n > maxRecordSize {
			if end >= size {
				break
			}
			return res, fmt.Errorf("%w: record at %d claims %d bytes", ErrCorrupt, off, n)
		}
		if end > size {
			break
		}
		body := make([]byte, n)
		if _, err := r.ReadAt(body, off+recordHeader); err != nil {
			return res, fmt.Errorf("%w: read record at %d: %v", ErrIO, off, err)
		}
		if crc32.ChecksumIEEE(body) != sum {
			if end == size {
				break
			}
			return res, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, off)
		}
		var e Entry
		if err := codec.Unmarshal(body, &e); err != nil {
			return res, fmt.Errorf("%w: decode record at %d: %v", ErrCorrupt, off, err)
		}
		res.entries = append(res.entries, e)
		res.offsets = append(res.offsets, off)
		off = end
	}
	res.validSize = off
	return res, nil
}
