package hostio

import (
	"slices"
	"sync"
	"syscall"
)

// Memory is a Host that keeps every target in a map. It is what tests and
// the default configuration bind host files to.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte

	// MaxTransfer caps the bytes moved by one read or write, to exercise
	// short transfers. Zero means no cap.
	MaxTransfer int
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
	}
}

// Put replaces the contents of target.
func (m *Memory) Put(target string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[target] = slices.Clone(data)
}

// Get returns a copy of the contents of target.
func (m *Memory) Get(target string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[target]
	return slices.Clone(data), ok
}

func (m *Memory) PerformIO(op Op, target string, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[target]

	switch op {
	case OpRead:
		if !ok {
			return 0, syscall.ENOENT
		}
		if off >= int64(len(data)) {
			return 0, nil
		}
		return copy(m.limit(buf), data[off:]), nil

	case OpWrite:
		buf = m.limit(buf)
		if end := off + int64(len(buf)); end > int64(len(data)) {
			data = append(data, make([]byte, end-int64(len(data)))...)
		}
		n := copy(data[off:], buf)
		m.files[target] = data
		return n, nil

	case OpSize:
		if !ok {
			return 0, syscall.ENOENT
		}
		return len(data), nil

	case OpTruncate:
		if off <= int64(len(data)) {
			m.files[target] = data[:off:off]
		} else {
			m.files[target] = append(data, make([]byte, off-int64(len(data)))...)
		}
		return 0, nil

	default:
		return 0, syscall.EINVAL
	}
}

func (m *Memory) limit(buf []byte) []byte {
	if m.MaxTransfer > 0 && len(buf) > m.MaxTransfer {
		return buf[:m.MaxTransfer]
	}
	return buf
}
