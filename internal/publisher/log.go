package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecognitionLog persists finalized upload metadata.
type RecognitionLog interface {
	Append(ctx context.Context, meta Metadata) error
}

// FileLog appends one JSON document per line.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileLog opens path for appending, creating it and its directory if needed.
func OpenFileLog(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open recognition log: %w", err)
	}
	return &FileLog{f: f}, nil
}

// Append writes meta as a single line.
func (l *FileLog) Append(_ context.Context, meta Metadata) error {
	line, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.f.Write(line)
	return err
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// RecognitionStore is the persistence needed by StoreLog.
type RecognitionStore interface {
	InsertRecognition(ctx context.Context, id uuid.UUID, at time.Time, faces int, payload []byte) error
}

// StoreLog writes each record to a database with a fresh UUID.
type StoreLog struct {
	Store RecognitionStore
}

// Append implements RecognitionLog.
func (l StoreLog) Append(ctx context.Context, meta Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return l.Store.InsertRecognition(ctx, uuid.New(), time.Now().UTC(), len(meta.BBoxes), payload)
}

// MultiLog fans a record out to several logs. Every log is attempted.
type MultiLog []RecognitionLog

// Append implements RecognitionLog.
func (m MultiLog) Append(ctx context.Context, meta Metadata) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
