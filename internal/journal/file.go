package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileJournal appends one JSON object per line. The most recent entries are
// kept in memory so Recent does not rescan the file.
type fileJournal struct {
	path     string
	capacity int

	mu     sync.Mutex
	file   *os.File
	recent []Entry
}

func NewFileJournal(path string, capacity int) (Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	j := &fileJournal{
		path:     path,
		capacity: capacity,
		recent:   []Entry{},
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j.file = file
	return j, nil
}

func (j *fileJournal) Record(entry Entry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	j.remember(entry)
	return nil
}

func (j *fileJournal) Recent(limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return tail(j.recent, limit), nil
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *fileJournal) load() error {
	file, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// a torn final line from a crash is skipped
			continue
		}
		j.remember(entry)
	}
	return scanner.Err()
}

func (j *fileJournal) remember(entry Entry) {
	if len(j.recent) >= j.capacity {
		j.recent = append(j.recent[:0], j.recent[1:]...)
	}
	j.recent = append(j.recent, entry)
}
