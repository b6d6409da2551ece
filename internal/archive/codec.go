package archive

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/timegraph/timegraph/internal/errors"
)

// On-disk format (binary, little-endian):
//   - Header: 8 bytes magic + 4 bytes version
//   - Body:
//       base step (4) + heartbeat (4)
//       last update (8) + pdp sum (8) + pdp count (4)
//       ring count (4)
//       per ring: factor (4) + slot count (4) + head (4) + filled (4)
//                 + last end (8) + cdp sum (8) + cdp known (4)
//                 + slots (8 each)
//   - Trailer: 4 bytes CRC32 (IEEE) over the body
//
// All sizes are fixed for a given ring layout, so the footprint of an
// archive never changes after creation.

const (
	archiveMagic   = 0x5447415243480001 // "TGARCH" + version 1
	archiveVersion = 1
	headerSize     = 12
)

// encode serializes the archive.
func encode(a *Archive) []byte {
	size := headerSize + bodySize(a) + 4
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint64(buf, archiveMagic)
	buf = binary.LittleEndian.AppendUint32(buf, archiveVersion)

	body := make([]byte, 0, bodySize(a))
	body = binary.LittleEndian.AppendUint32(body, uint32(a.baseStep))
	body = binary.LittleEndian.AppendUint32(body, uint32(a.heartbeat))
	body = binary.LittleEndian.AppendUint64(body, uint64(a.lastUpdate))
	body = binary.LittleEndian.AppendUint64(body, math.Float64bits(a.pdpSum))
	body = binary.LittleEndian.AppendUint32(body, uint32(a.pdpCount))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(a.rings)))

	for _, r := range a.rings {
		body = binary.LittleEndian.AppendUint32(body, uint32(r.factor))
		body = binary.LittleEndian.AppendUint32(body, uint32(len(r.slots)))
		body = binary.LittleEndian.AppendUint32(body, uint32(r.head))
		body = binary.LittleEndian.AppendUint32(body, uint32(r.filled))
		body = binary.LittleEndian.AppendUint64(body, uint64(r.lastEnd))
		body = binary.LittleEndian.AppendUint64(body, math.Float64bits(r.cdpSum))
		body = binary.LittleEndian.AppendUint32(body, uint32(r.cdpKnown))
		for _, s := range r.slots {
			body = binary.LittleEndian.AppendUint64(body, math.Float64bits(s))
		}
	}

	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
	return buf
}

func bodySize(a *Archive) int {
	size := 4 + 4 + 8 + 8 + 4 + 4
	for _, r := range a.rings {
		size += 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8*len(r.slots)
	}
	return size
}

// decode deserializes an archive file.
func decode(data []byte) (*Archive, error) {
	if len(data) < headerSize+4 {
		return nil, errors.Wrap(errors.ErrArchiveCorrupt, "file too short")
	}

	if binary.LittleEndian.Uint64(data[0:8]) != archiveMagic {
		return nil, errors.Wrap(errors.ErrArchiveCorrupt, "bad magic")
	}
	if v := binary.LittleEndian.Uint32(data[8:12]); v != archiveVersion {
		return nil, errors.Wrapf(errors.ErrArchiveCorrupt, "unsupported version %d", v)
	}

	body := data[headerSize : len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, errors.Wrap(errors.ErrArchiveCorrupt, "checksum mismatch")
	}

	d := &decoder{data: body}
	a := &Archive{
		baseStep:  int64(d.uint32()),
		heartbeat: int64(d.uint32()),
	}
	a.lastUpdate = int64(d.uint64())
	a.pdpSum = math.Float64frombits(d.uint64())
	a.pdpCount = int(d.uint32())

	ringCount := int(d.uint32())
	if d.err != nil || ringCount <= 0 || ringCount > 16 {
		return nil, errors.Wrap(errors.ErrArchiveCorrupt, "bad ring count")
	}

	a.rings = make([]*ring, ringCount)
	for i := 0; i < ringCount; i++ {
		r := &ring{
			factor: int(d.uint32()),
		}
		slots := int(d.uint32())
		r.head = int(d.uint32())
		r.filled = int(d.uint32())
		r.lastEnd = int64(d.uint64())
		r.cdpSum = math.Float64frombits(d.uint64())
		r.cdpKnown = int(d.uint32())

		if d.err != nil || slots <= 0 || slots > 1<<20 {
			return nil, errors.Wrap(errors.ErrArchiveCorrupt, "bad slot count")
		}
		if r.head >= slots || r.filled > slots {
			return nil, errors.Wrap(errors.ErrArchiveCorrupt, "ring cursor out of range")
		}
		r.slots = make([]float64, slots)
		for j := range r.slots {
			r.slots[j] = math.Float64frombits(d.uint64())
		}
		a.rings[i] = r
	}

	if d.err != nil {
		return nil, errors.Wrap(errors.ErrArchiveCorrupt, d.err.Error())
	}
	return a, nil
}

// decoder reads little-endian fields with sticky error handling.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) uint32() uint32 {
	if d.err != nil || d.off+4 > len(d.data) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil || d.off+8 > len(d.data) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errors.Wrap(errors.ErrArchiveCorrupt, "truncated body")
	}
}
