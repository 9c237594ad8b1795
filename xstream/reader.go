// Package xstream implements the restore engine's framed, length-prefixed
// record reader (spec §4.B): exact-byte reads, the extended-info preamble,
// and the batch-header/body cursor the page loader drives.
//
// Unlike the teacher stack's migration package — which frames independent,
// self-describing messages over a socket — this stream is positional: the
// caller must read records in exactly the order spec §6 lays out. Reader
// only supplies the exact-read primitive and the two parsing helpers
// (extended-info, batch header) that are common to every caller; the
// restore engine drives the overall sequence itself.
package xstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is returned when an exact read comes up short anywhere
// except the one tolerated boundary case (the preamble sentinel test,
// spec §9 Open Question — this implementation takes the tightened
// contract and returns ErrTruncated there too).
var ErrTruncated = errors.New("stream truncated")

// ErrChunkOverrun is returned when an extended-info chunk's declared
// length would read past the preamble's total declared length.
var ErrChunkOverrun = errors.New("extended-info chunk overruns preamble length")

// sentinel is the machine word meaning "extended-info follows" (all bits
// set, compared against the first P2M frame-list word).
const sentinel = ^uint64(0)

// vcpuSignature is the one extended-info chunk signature the restore
// engine cares about; every other signature is read and discarded.
const vcpuSignature = "vcpu"

// Reader wraps an io.Reader with the exact-byte semantics spec §4.B
// requires: every short read is fatal, including the first word of the
// P2M frame list that doubles as the preamble sentinel test.
type Reader struct {
	r io.Reader
}

// New wraps r as a Reader.
func New(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadExact reads exactly len(buf) bytes, retrying on interrupted partial
// reads (io.ReadFull already loops internally; ReadExact additionally
// distinguishes a genuine short-stream condition as ErrTruncated instead
// of handing back io.ErrUnexpectedEOF/io.EOF directly, so callers have one
// sentinel to check). ctx is checked between nothing — the underlying
// Read call is the only blocking point, and Go gives us no portable way to
// interrupt one in flight; ctx.Err() is surfaced before issuing the read
// so a canceled context stops the engine at the next record boundary.
func (s *Reader) ReadExact(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := io.ReadFull(s.r, buf); err != nil {
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	return nil
}

// ReadUint64 reads one little-endian machine word.
func (s *Reader) ReadUint64(ctx context.Context) (uint64, error) {
	var buf [8]byte

	if err := s.ReadExact(ctx, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadInt32 reads one little-endian signed 32-bit word (the batch-count
// field j).
func (s *Reader) ReadInt32(ctx context.Context) (int32, error) {
	var buf [4]byte

	if err := s.ReadExact(ctx, buf[:]); err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ExtendedInfo holds the chunks of interest parsed from the optional
// preamble. Only the "vcpu" chunk payload is retained; every other
// signature is consumed and discarded per spec §4.B.
type ExtendedInfo struct {
	VCPUContext []byte
	Present     bool
}

// ReadP2MHead reads the first word of the P2M frame list, detecting and
// consuming the extended-info preamble if present (spec §6 steps 1-3).
// It returns the resolved first P2M frame-list entry (re-read after the
// preamble when the sentinel fired) and the parsed extended info.
func (s *Reader) ReadP2MHead(ctx context.Context) (first uint64, ext ExtendedInfo, err error) {
	first, err = s.ReadUint64(ctx)
	if err != nil {
		return 0, ExtendedInfo{}, fmt.Errorf("read p2m/extended-info sentinel: %w", err)
	}

	if first != sentinel {
		return first, ExtendedInfo{}, nil
	}

	ext, err = s.readExtendedInfo(ctx)
	if err != nil {
		return 0, ExtendedInfo{}, err
	}

	first, err = s.ReadUint64(ctx)
	if err != nil {
		return 0, ExtendedInfo{}, fmt.Errorf("read first p2m_frame_list entry: %w", err)
	}

	return first, ext, nil
}

func (s *Reader) readExtendedInfo(ctx context.Context) (ExtendedInfo, error) {
	totalBytes, err := s.readUint32(ctx)
	if err != nil {
		return ExtendedInfo{}, fmt.Errorf("read extended-info length: %w", err)
	}

	ext := ExtendedInfo{}

	for totalBytes > 0 {
		if totalBytes < 8 {
			return ExtendedInfo{}, fmt.Errorf("%w: %d bytes left for chunk header", ErrChunkOverrun, totalBytes)
		}

		var sig [4]byte
		if err := s.ReadExact(ctx, sig[:]); err != nil {
			return ExtendedInfo{}, fmt.Errorf("read chunk signature: %w", err)
		}

		chunkBytes, err := s.readUint32(ctx)
		if err != nil {
			return ExtendedInfo{}, fmt.Errorf("read chunk length: %w", err)
		}

		totalBytes -= 8

		if uint64(chunkBytes) > uint64(totalBytes) {
			return ExtendedInfo{}, fmt.Errorf("%w: chunk %q declares %d, %d remain",
				ErrChunkOverrun, sig, chunkBytes, totalBytes)
		}

		if bytes.Equal(sig[:], []byte(vcpuSignature)) {
			ext.Present = true
			ext.VCPUContext = make([]byte, chunkBytes)

			if err := s.ReadExact(ctx, ext.VCPUContext); err != nil {
				return ExtendedInfo{}, fmt.Errorf("read vcpu chunk: %w", err)
			}

			totalBytes -= chunkBytes

			continue
		}

		if err := s.discard(ctx, chunkBytes); err != nil {
			return ExtendedInfo{}, fmt.Errorf("discard chunk %q: %w", sig, err)
		}

		totalBytes -= chunkBytes
	}

	return ext, nil
}

func (s *Reader) discard(ctx context.Context, n uint32) error {
	const scratchSize = 4096

	buf := make([]byte, scratchSize)

	for n > 0 {
		chunk := n
		if chunk > scratchSize {
			chunk = scratchSize
		}

		if err := s.ReadExact(ctx, buf[:chunk]); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

func (s *Reader) readUint32(ctx context.Context) (uint32, error) {
	var buf [4]byte

	if err := s.ReadExact(ctx, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadP2MRest reads the remaining entries of the P2M frame list: n
// entries to follow the one ReadP2MHead already returned (callers pass
// the total entry count minus one).
func (s *Reader) ReadP2MRest(ctx context.Context, n int) ([]uint64, error) {
	rest := make([]uint64, n)

	for i := range rest {
		v, err := s.ReadUint64(ctx)
		if err != nil {
			return nil, fmt.Errorf("read p2m_frame_list[%d]: %w", i+1, err)
		}

		rest[i] = v
	}

	return rest, nil
}

// BatchMode is the outcome of reading one batch-size header.
type BatchMode int

const (
	// BatchPages means j entries/pages follow.
	BatchPages BatchMode = iota
	// BatchVerifyToggle means j == -1: toggle verify mode, no body follows.
	BatchVerifyToggle
	// BatchEnd means j == 0: the page stream is over.
	BatchEnd
)

// ReadBatchHeader reads the leading signed j and classifies it per spec
// §3 ("Batch"). count is only meaningful when mode == BatchPages.
func (s *Reader) ReadBatchHeader(ctx context.Context) (mode BatchMode, count int32, err error) {
	j, err := s.ReadInt32(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read batch size: %w", err)
	}

	switch {
	case j == 0:
		return BatchEnd, 0, nil
	case j == -1:
		return BatchVerifyToggle, 0, nil
	case j < 0:
		return 0, 0, fmt.Errorf("%w: negative batch size %d", ErrTruncated, j)
	default:
		return BatchPages, j, nil
	}
}

// ReadTaggedPFNs reads count tagged-PFN words (a batch header body).
func (s *Reader) ReadTaggedPFNs(ctx context.Context, count int32) ([]uint64, error) {
	tags := make([]uint64, count)

	for i := range tags {
		v, err := s.ReadUint64(ctx)
		if err != nil {
			return nil, fmt.Errorf("read tagged pfn[%d]: %w", i, err)
		}

		tags[i] = v
	}

	return tags, nil
}

// ReadPage reads exactly one page body into buf, which must be
// pfn-sized.
func (s *Reader) ReadPage(ctx context.Context, buf []byte) error {
	return s.ReadExact(ctx, buf)
}

// ReadAbsentPFNs reads the absent-PFN table: a count followed by that many
// machine words (spec §3 "Absent-PFN table").
func (s *Reader) ReadAbsentPFNs(ctx context.Context) ([]uint64, error) {
	count, err := s.readUint32(ctx)
	if err != nil {
		return nil, fmt.Errorf("read absent-pfn count: %w", err)
	}

	out := make([]uint64, count)

	for i := range out {
		v, err := s.ReadUint64(ctx)
		if err != nil {
			return nil, fmt.Errorf("read absent-pfn[%d]: %w", i, err)
		}

		out[i] = v
	}

	return out, nil
}
