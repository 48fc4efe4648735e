package testutil

import (
	"sync"
	"time"

	"github.com/Veraticus/expectpty/pkg/interfaces"
)

// Record is one call to MockRecorder.Record.
type Record struct {
	Dir  interfaces.Direction
	Data []byte
}

// MockRecorder is a thread-safe interfaces.Recorder that keeps everything
// it is given.
type MockRecorder struct {
	mu        sync.Mutex
	records   []Record
	attempts  int
	recordErr error
	delay     time.Duration
}

// Ensure MockRecorder implements Recorder
var _ interfaces.Recorder = (*MockRecorder)(nil)

// NewMockRecorder creates a new mock recorder
func NewMockRecorder() *MockRecorder {
	return &MockRecorder{}
}

// Record implements the Recorder interface
func (m *MockRecorder) Record(dir interfaces.Direction, data []byte) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.recordErr != nil {
		return m.recordErr
	}

	m.records = append(m.records, Record{Dir: dir, Data: append([]byte(nil), data...)})
	return nil
}

// GetRecords returns a copy of successful records
func (m *MockRecorder) GetRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Record, len(m.records))
	copy(result, m.records)
	return result
}

// Joined concatenates the data of all records in direction dir.
func (m *MockRecorder) Joined(dir interfaces.Direction) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []byte
	for _, r := range m.records {
		if r.Dir == dir {
			out = append(out, r.Data...)
		}
	}
	return string(out)
}

// GetAttempts returns how many times Record was called, including failures
func (m *MockRecorder) GetAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SetError sets the error to return on Record calls
func (m *MockRecorder) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErr = err
}

// SetDelay sets a delay before each Record call
func (m *MockRecorder) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// Clear resets all recorded state
func (m *MockRecorder) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.attempts = 0
	m.recordErr = nil
}
