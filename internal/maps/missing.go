package maps

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// MissingHashLog records hashes that failed to resolve so new maps can be
// added to the table later. A bloom filter suppresses repeat entries for the
// same hash, which would otherwise pile up once per polling cycle.
type MissingHashLog struct {
	mu   sync.Mutex
	path string
	seen *bloom.BloomFilter
}

// NewMissingHashLog creates a log writing to path. An empty path disables
// logging.
func NewMissingHashLog(path string) *MissingHashLog {
	return &MissingHashLog{
		path: path,
		seen: bloom.NewWithEstimates(10000, 0.001),
	}
}

// Record appends the hash to the log file unless it was already recorded.
func (m *MissingHashLog) Record(hash string) {
	if m == nil || m.path == "" || hash == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen.TestString(hash) {
		return
	}
	m.seen.AddString(hash)

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		log.Printf("[Maps] Cannot create missing-hash log dir: %v", err)
		return
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[Maps] Cannot open missing-hash log: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), hash)
}
