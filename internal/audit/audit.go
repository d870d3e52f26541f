// Package audit appends one line per mutation to a daily log file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one line of the audit file.
type Entry struct {
	Time   time.Time `json:"time"`
	Op     string    `json:"op"`
	ID     string    `json:"id"`
	Origin string    `json:"origin,omitempty"`
	Result string    `json:"result"`
	Detail string    `json:"detail,omitempty"`
}

// Log writes <dir>/MUTATIONS_YYYYMMDD.log. A nil *Log discards everything.
type Log struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

func New(dir string) (*Log, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit dir %s: %w", dir, err)
	}
	return &Log{dir: dir, now: time.Now}, nil
}

func (l *Log) Record(e Entry) error {
	if l == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path(e.Time), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (l *Log) path(t time.Time) string {
	return filepath.Join(l.dir, "MUTATIONS_"+t.Format("20060102")+".log")
}
