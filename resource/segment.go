package resource

import (
	"bytes"
	"io"
)

// readSegmentPayload reads the current segment's plaintext (with segment
// 1's metadata prefix, if any) out of data, per spec.md §4.3 "Sender
// construction" steps 1-2. data may be nil (receiver-side placeholder),
// a []byte, or an io.ReadSeeker (covering *os.File and *bytes.Reader).
//
// It returns the segment payload, the transfer's total uncompressed size
// (constant across all segments of one transfer), whether the transfer is
// split into multiple segments, the total segment count, and (for
// streamed input) the underlying reader so later segments can be read
// from the same stream.
func readSegmentPayload(data any, metadata []byte, segmentIndex, metadataSize int) (payload []byte, totalSize int, split bool, totalSegments int, inputReader io.Reader, err error) {
	if data == nil {
		return nil, 0, false, 1, nil, nil
	}

	switch v := data.(type) {
	case []byte:
		dataSize := len(v)
		ts := dataSize + metadataSize
		if ts <= MaxEfficientSize {
			buf := make([]byte, 0, ts)
			buf = append(buf, metadata...)
			buf = append(buf, v...)
			return buf, ts, false, 1, nil, nil
		}
		return readSegmentFromReader(bytes.NewReader(v), int64(dataSize), metadata, segmentIndex, metadataSize)

	case io.ReadSeeker:
		size, serr := seekSize(v)
		if serr != nil {
			return nil, 0, false, 0, nil, serr
		}
		return readSegmentFromReader(v, size, metadata, segmentIndex, metadataSize)

	default:
		return nil, 0, false, 0, nil, ErrInvalidDataType
	}
}

func seekSize(rs io.ReadSeeker) (int64, error) {
	cur, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rs.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

func readSegmentFromReader(rs io.ReadSeeker, dataSize int64, metadata []byte, segmentIndex, metadataSize int) (payload []byte, totalSize int, split bool, totalSegments int, inputReader io.Reader, err error) {
	totalSize = int(dataSize) + metadataSize

	if totalSize <= MaxEfficientSize {
		if _, err = rs.Seek(0, io.SeekStart); err != nil {
			return
		}
		rest := make([]byte, dataSize)
		if _, err = io.ReadFull(rs, rest); err != nil {
			return
		}
		buf := make([]byte, 0, totalSize)
		buf = append(buf, metadata...)
		buf = append(buf, rest...)
		return buf, totalSize, false, 1, nil, nil
	}

	split = true
	totalSegments = ((totalSize-1)/MaxEfficientSize)+1

	firstReadSize := MaxEfficientSize - metadataSize
	var seekPos int64
	var segReadSize int
	if segmentIndex == 1 {
		seekPos = 0
		segReadSize = firstReadSize
	} else {
		seekPos = int64(firstReadSize) + int64(segmentIndex-2)*int64(MaxEfficientSize)
		segReadSize = MaxEfficientSize
	}

	if _, err = rs.Seek(seekPos, io.SeekStart); err != nil {
		return
	}
	remaining := dataSize - seekPos
	if int64(segReadSize) > remaining {
		segReadSize = int(remaining)
	}

	buf := make([]byte, segReadSize)
	n, rerr := io.ReadFull(rs, buf)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		err = rerr
		return
	}
	buf = buf[:n]

	result := buf
	if segmentIndex == 1 && len(metadata) > 0 {
		result = make([]byte, 0, len(metadata)+len(buf))
		result = append(result, metadata...)
		result = append(result, buf...)
	}

	return result, totalSize, true, totalSegments, rs, nil
}
