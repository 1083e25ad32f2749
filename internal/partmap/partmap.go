package partmap

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// MinChunkSize is the floor applied to requested chunk sizes when deriving
// the partition.
const MinChunkSize = 4 << 20 // 4 MiB

// Segment is a closed byte range [Start, End] of the destination file plus
// the number of bytes already fetched for it.
type Segment struct {
	ID         int
	Start      uint64
	End        uint64
	Downloaded uint64
}

func (s Segment) Len() uint64 {
	return s.End - s.Start + 1
}

func (s Segment) Remaining() uint64 {
	if s.Downloaded >= s.Len() {
		return 0
	}
	return s.Len() - s.Downloaded
}

// Map is the segment geometry for one destination file.
type Map struct {
	FileSize  uint64
	ChunkSize uint64
	Segments  []Segment
}

// New partitions [0, fileSize) into contiguous segments of at most
// max(chunkSize, MinChunkSize) bytes, assigning dense ids in start order.
// A zero-byte file yields a single [0, 0] segment so the finalization path
// stays uniform.
func New(fileSize, chunkSize uint64) Map {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}

	m := Map{FileSize: fileSize, ChunkSize: chunkSize}
	if fileSize == 0 {
		m.Segments = []Segment{{ID: 0, Start: 0, End: 0, Downloaded: 0}}
		return m
	}

	var start uint64
	id := 0
	for start < fileSize {
		end := start + chunkSize - 1
		if end > fileSize-1 {
			end = fileSize - 1
		}
		m.Segments = append(m.Segments, Segment{ID: id, Start: start, End: end})
		start = end + 1
		id++
	}
	return m
}

// On-disk layout, little-endian throughout:
//
//	baseline := "KDLP" | version u8 | file_size u64 | chunk_size u64 |
//	            count u64 | count x (id u64 | start u64 | end u64 | downloaded u64)
//	update   := id u64 | downloaded u64
//
// Updates are appended as segments report progress; replay is last writer
// wins per id. A short trailing record is tolerated on load.
var magic = [4]byte{'K', 'D', 'L', 'P'}

const (
	formatVersion    = 1
	baselineHeadSize = 4 + 1 + 8 + 8 + 8
	segmentRecSize   = 4 * 8
	updateRecSize    = 2 * 8
)

func encodeBaseline(m Map) []byte {
	buf := make([]byte, 0, baselineHeadSize+len(m.Segments)*segmentRecSize)
	buf = append(buf, magic[:]...)
	buf = append(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, m.FileSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.ChunkSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Segments)))
	for _, seg := range m.Segments {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(seg.ID))
		buf = binary.LittleEndian.AppendUint64(buf, seg.Start)
		buf = binary.LittleEndian.AppendUint64(buf, seg.End)
		buf = binary.LittleEndian.AppendUint64(buf, seg.Downloaded)
	}
	return buf
}

// decodeBaseline parses the baseline record and returns the remaining bytes
// (the appended update log).
func decodeBaseline(data []byte) (Map, []byte, error) {
	if len(data) < baselineHeadSize {
		return Map{}, nil, fmt.Errorf("part map too short for baseline header")
	}
	if [4]byte(data[:4]) != magic {
		return Map{}, nil, fmt.Errorf("bad part map magic")
	}
	if data[4] != formatVersion {
		return Map{}, nil, fmt.Errorf("unsupported part map version %d", data[4])
	}

	m := Map{
		FileSize:  binary.LittleEndian.Uint64(data[5:]),
		ChunkSize: binary.LittleEndian.Uint64(data[13:]),
	}
	count := binary.LittleEndian.Uint64(data[21:])

	rest := data[baselineHeadSize:]
	if uint64(len(rest)) < count*segmentRecSize {
		return Map{}, nil, fmt.Errorf("part map truncated inside baseline")
	}
	m.Segments = make([]Segment, 0, count)
	for i := uint64(0); i < count; i++ {
		rec := rest[i*segmentRecSize:]
		m.Segments = append(m.Segments, Segment{
			ID:         int(binary.LittleEndian.Uint64(rec)),
			Start:      binary.LittleEndian.Uint64(rec[8:]),
			End:        binary.LittleEndian.Uint64(rec[16:]),
			Downloaded: binary.LittleEndian.Uint64(rec[24:]),
		})
	}
	return m, rest[count*segmentRecSize:], nil
}

// applyUpdates replays appended update records in file order, later records
// overriding earlier ones. Replay stops at the first short record.
func applyUpdates(m *Map, log []byte) {
	for len(log) >= updateRecSize {
		id := int(binary.LittleEndian.Uint64(log))
		downloaded := binary.LittleEndian.Uint64(log[8:])
		for i := range m.Segments {
			if m.Segments[i].ID == id {
				if limit := m.Segments[i].Len(); downloaded > limit {
					downloaded = limit
				}
				m.Segments[i].Downloaded = downloaded
				break
			}
		}
		log = log[updateRecSize:]
	}
}

func encodeUpdate(id int, downloaded uint64) []byte {
	buf := make([]byte, 0, updateRecSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	buf = binary.LittleEndian.AppendUint64(buf, downloaded)
	return buf
}

// Handle guards the in-memory segment list and the open append-only part
// map file. All reads and writes are serialized under one lock.
//
// Durability is delegated to OS buffering: updates are appended without an
// fsync per record. Worst-case loss on crash is the bytes since the last OS
// flush, which is safe because resumes replay HTTP ranges.
type Handle struct {
	path string

	mu   sync.Mutex
	m    Map
	file *os.File
}

// LoadOrCreate reloads an existing part map (replaying its update log) or
// writes a fresh baseline derived from the partition of fileSize.
//
// A persisted file size that differs from the probed one is an error: the
// destination would be silently corrupted by mixing the two geometries. An
// unreadable baseline is treated as absent and re-partitioned fresh.
func LoadOrCreate(path string, fileSize, chunkSize uint64) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read part map %s: %w", path, err)
	}
	if err == nil {
		m, updates, derr := decodeBaseline(data)
		if derr == nil {
			if m.FileSize != fileSize {
				return nil, fmt.Errorf("part map %s was created for a %d byte file, server reports %d; remove it to start over", path, m.FileSize, fileSize)
			}
			applyUpdates(&m, updates)
			f, oerr := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			if oerr != nil {
				return nil, fmt.Errorf("open part map %s: %w", path, oerr)
			}
			return &Handle{path: path, m: m, file: f}, nil
		}
		// Corrupt baseline: fall through and start fresh.
	}

	m := New(fileSize, chunkSize)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create part map %s: %w", path, err)
	}
	if _, err := f.Write(encodeBaseline(m)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write part map baseline: %w", err)
	}
	return &Handle{path: path, m: m, file: f}, nil
}

// Segments returns a snapshot copy of the segment list.
func (h *Handle) Segments() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Segment, len(h.m.Segments))
	copy(out, h.m.Segments)
	return out
}

// Segment returns a snapshot of one segment.
func (h *Handle) Segment(id int) (Segment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.m.Segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return Segment{}, false
}

// FileSize returns the total size the map was built for.
func (h *Handle) FileSize() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m.FileSize
}

// RecordProgress clamps downloaded to the segment length, updates the
// in-memory segment and appends an update record to the file.
func (h *Handle) RecordProgress(id int, downloaded uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i := range h.m.Segments {
		if h.m.Segments[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("segment %d not found in part map", id)
	}
	if limit := h.m.Segments[idx].Len(); downloaded > limit {
		downloaded = limit
	}
	h.m.Segments[idx].Downloaded = downloaded

	if _, err := h.file.Write(encodeUpdate(id, downloaded)); err != nil {
		return fmt.Errorf("append part map update: %w", err)
	}
	return nil
}

// Finalize closes and removes the part map file. Call only after the
// destination file has been flushed.
func (h *Handle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove part map %s: %w", h.path, err)
	}
	return nil
}

// Close releases the file handle without removing the part map, leaving it
// on disk for a later resume.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
