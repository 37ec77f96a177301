package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"vitalsync.ai/internal/sim/host"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// onClose receives the path of every file the writer finishes with,
	// on rotation and on Close. It runs outside the writer lock.
	onClose func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// OnClose registers fn to be called with each completed file, e.g. to mirror
// it to object storage. It must be set before the first Write.
func (w *JSONLZstdWriter) OnClose(fn func(path string)) { w.onClose = fn }

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	path := w.curPath
	err := w.closeLocked()
	w.mu.Unlock()
	w.notify(path)
	return err
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	var rotated string
	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		rotated = w.curPath
		if err := w.rotateLocked(hour); err != nil {
			w.mu.Unlock()
			w.notify(rotated)
			return err
		}
	}
	err = w.writeLocked(b)
	w.mu.Unlock()

	w.notify(rotated)
	return err
}

func (w *JSONLZstdWriter) writeLocked(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) notify(path string) {
	if path != "" && w.onClose != nil {
		w.onClose(path)
	}
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventLogger writes one JSONL entry per committed update, spawn and despawn.
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(hostDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(hostDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(v host.EventLogEntry) error { return l.w.Write(v) }
func (l *EventLogger) OnClose(fn func(path string))         { l.w.OnClose(fn) }
func (l *EventLogger) Close() error                         { return l.w.Close() }
