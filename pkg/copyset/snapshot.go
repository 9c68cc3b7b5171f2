package copyset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	snapshotMagic   = "CPSN"
	snapshotVersion = uint16(1)

	// fixed part: magic, version, pool, copyset, applied, epoch, conf index, peer count
	snapshotFixedHeaderSize = 4 + 2 + 4 + 4 + 8 + 8 + 8 + 4
	maxSnapshotPeers        = 1 << 12
)

var (
	errSnapshotMagic    = errors.New("bad snapshot magic")
	errSnapshotVersion  = errors.New("unsupported snapshot version")
	errSnapshotChecksum = errors.New("snapshot checksum mismatch")
	errSnapshotIdentity = errors.New("snapshot belongs to another copyset")
	errSnapshotShortImg = errors.New("store image shorter than announced")
	errSnapshotTrailing = errors.New("data after snapshot trailer")
)

// snapshotHeader is everything a frame carries besides the store image.
type snapshotHeader struct {
	PoolID        PoolID
	CopysetID     CopysetID
	AppliedIndex  uint64
	Epoch         uint64
	ConfIndex     uint64
	Configuration Configuration
}

func (h *snapshotHeader) marshal() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, snapshotFixedHeaderSize+16*len(h.Configuration.Peers)))
	buf.WriteString(snapshotMagic)

	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], snapshotVersion)
	buf.Write(scratch[:2])
	binary.BigEndian.PutUint32(scratch[:4], uint32(h.PoolID))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], uint32(h.CopysetID))
	buf.Write(scratch[:4])
	for _, v := range []uint64{h.AppliedIndex, h.Epoch, h.ConfIndex} {
		binary.BigEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}

	if len(h.Configuration.Peers) > maxSnapshotPeers {
		return nil, fmt.Errorf("too many peers: %d", len(h.Configuration.Peers))
	}
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(h.Configuration.Peers)))
	buf.Write(scratch[:4])
	for _, p := range h.Configuration.Peers {
		if len(p) > 0xFFFF {
			return nil, fmt.Errorf("peer id too long: %d bytes", len(p))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(p)))
		buf.Write(scratch[:2])
		buf.WriteString(string(p))
	}
	return buf.Bytes(), nil
}

func readSnapshotHeader(r io.Reader) (snapshotHeader, error) {
	var h snapshotHeader
	fixed := make([]byte, snapshotFixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if string(fixed[:4]) != snapshotMagic {
		return h, errSnapshotMagic
	}
	if v := binary.BigEndian.Uint16(fixed[4:6]); v != snapshotVersion {
		return h, fmt.Errorf("%w: %d", errSnapshotVersion, v)
	}
	h.PoolID = PoolID(binary.BigEndian.Uint32(fixed[6:10]))
	h.CopysetID = CopysetID(binary.BigEndian.Uint32(fixed[10:14]))
	h.AppliedIndex = binary.BigEndian.Uint64(fixed[14:22])
	h.Epoch = binary.BigEndian.Uint64(fixed[22:30])
	h.ConfIndex = binary.BigEndian.Uint64(fixed[30:38])

	n := binary.BigEndian.Uint32(fixed[38:42])
	if n > maxSnapshotPeers {
		return h, fmt.Errorf("too many peers: %d", n)
	}
	peers := make([]PeerID, 0, n)
	var lenBuf [2]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return h, fmt.Errorf("read peer length: %w", err)
		}
		p := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r, p); err != nil {
			return h, fmt.Errorf("read peer: %w", err)
		}
		peers = append(peers, PeerID(p))
	}
	h.Configuration = Configuration{Peers: peers}
	return h, nil
}

// writeSnapshotFrame streams header, store image and checksum trailer to w.
func writeSnapshotFrame(w io.Writer, h snapshotHeader, snap StoreSnapshot) error {
	hasher := xxhash.New()
	mw := io.MultiWriter(w, hasher)

	header, err := h.marshal()
	if err != nil {
		return err
	}
	if _, err := mw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	size := snap.Size()
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(size))
	if _, err := mw.Write(scratch[:]); err != nil {
		return fmt.Errorf("write image length: %w", err)
	}
	n, err := snap.WriteTo(mw)
	if err != nil {
		return fmt.Errorf("write store image: %w", err)
	}
	if n != size {
		return fmt.Errorf("store image wrote %d bytes, announced %d", n, size)
	}

	binary.BigEndian.PutUint64(scratch[:], hasher.Sum64())
	if _, err := w.Write(scratch[:]); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

// readSnapshotFrame parses a frame from r, copying the store image into img.
// img content is only meaningful when the returned error is nil.
func readSnapshotFrame(r io.Reader, img io.Writer) (snapshotHeader, error) {
	hasher := xxhash.New()
	tee := io.TeeReader(r, hasher)

	h, err := readSnapshotHeader(tee)
	if err != nil {
		return h, err
	}

	var scratch [8]byte
	if _, err := io.ReadFull(tee, scratch[:]); err != nil {
		return h, fmt.Errorf("read image length: %w", err)
	}
	size := int64(binary.BigEndian.Uint64(scratch[:]))
	if size < 0 {
		return h, fmt.Errorf("bad image length %d", size)
	}
	n, err := io.CopyN(img, tee, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return h, fmt.Errorf("%w: got %d of %d", errSnapshotShortImg, n, size)
		}
		return h, fmt.Errorf("copy store image: %w", err)
	}

	want := hasher.Sum64()
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return h, fmt.Errorf("read trailer: %w", err)
	}
	if got := binary.BigEndian.Uint64(scratch[:]); got != want {
		return h, fmt.Errorf("%w: %x, want %x", errSnapshotChecksum, got, want)
	}
	switch _, err := io.ReadFull(r, scratch[:1]); {
	case err == nil:
		return h, errSnapshotTrailing
	case !errors.Is(err, io.EOF):
		return h, fmt.Errorf("read past trailer: %w", err)
	}
	return h, nil
}
