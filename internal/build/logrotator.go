package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// DefaultLogFilename is the log file name inside the log directory.
const DefaultLogFilename = "mailsync.log"

// RotatorConfig configures the log file rotator.
type RotatorConfig struct {
	// Dir is the directory holding the log file.
	Dir string

	// MaxFiles is the number of rotated files kept. Zero keeps a single
	// unbounded file.
	MaxFiles int

	// MaxFileSize is the size in MB that triggers a rotation.
	MaxFileSize int
}

// RotatingLogWriter is an io.Writer feeding a jrick/logrotate rotator
// through a pipe. Rotated files are gzipped.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
	done    chan struct{}
}

// NewRotatingLogWriter creates the log directory and starts the rotator.
func NewRotatingLogWriter(cfg RotatorConfig) (*RotatingLogWriter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	// The rotator takes its threshold in KB.
	r, err := rotator.New(
		filepath.Join(cfg.Dir, DefaultLogFilename),
		int64(cfg.MaxFileSize*1024), false, cfg.MaxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}
	r.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	w := &RotatingLogWriter{
		pipe:    pw,
		rotator: r,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(w.done)

		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "log rotator stopped: %v\n", err)
		}
	}()

	return w, nil
}

// Write implements io.Writer.
func (w *RotatingLogWriter) Write(b []byte) (int, error) {
	return w.pipe.Write(b)
}

// Close stops the rotator after it has written everything queued.
func (w *RotatingLogWriter) Close() error {
	err := w.pipe.Close()
	<-w.done
	_ = w.rotator.Close()

	return err
}
