package emitter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nshruti113/dos-protect/internal/models"
)

// WriterSink writes one formatted line per event.
type WriterSink struct {
	name string
	mu   sync.Mutex
	w    io.Writer
	c    io.Closer
}

func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: w}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) WriteBatch(_ context.Context, events []models.AttackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bw := bufio.NewWriter(s.w)
	for _, ev := range events {
		bw.WriteString(Format(ev))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func (s *WriterSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// SyslogSink ships events to a remote syslog server over UDP.
type SyslogSink struct {
	addr string
	w    *syslog.Writer
}

func NewSyslogSink(addr string) (*SyslogSink, error) {
	w, err := syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_USER, Product)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	return &SyslogSink{addr: addr, w: w}, nil
}

func (s *SyslogSink) Name() string { return "syslog" }

func (s *SyslogSink) WriteBatch(_ context.Context, events []models.AttackEvent) error {
	for _, ev := range events {
		if err := s.w.Info(Format(ev)); err != nil {
			return fmt.Errorf("syslog %s: %w", s.addr, err)
		}
	}
	return nil
}

func (s *SyslogSink) Close() error { return s.w.Close() }

// OpenSecurityLog opens the sink named by a security-log destination:
// "stderr", an absolute file path, "syslog:server=host:port" or "host:port".
func OpenSecurityLog(dest string) (Sink, error) {
	switch {
	case dest == "" || dest == "stderr":
		return NewWriterSink("stderr", os.Stderr), nil
	case filepath.IsAbs(dest):
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open security log: %w", err)
		}
		s := NewWriterSink("file", f)
		s.c = f
		return s, nil
	case strings.HasPrefix(dest, "syslog:server="):
		return NewSyslogSink(strings.TrimPrefix(dest, "syslog:server="))
	case strings.Contains(dest, ":"):
		return NewSyslogSink(dest)
	}
	return nil, fmt.Errorf("unsupported security log destination %q", dest)
}

// Ring keeps the most recent events in memory for the API.
type Ring struct {
	mu     sync.RWMutex
	buf    []models.AttackEvent
	next   int
	filled bool
}

func NewRing(size int) *Ring {
	return &Ring{buf: make([]models.AttackEvent, max(size, 1))}
}

func (r *Ring) Name() string { return "ring" }

func (r *Ring) WriteBatch(_ context.Context, events []models.AttackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		r.buf[r.next] = ev
		r.next = (r.next + 1) % len(r.buf)
		if r.next == 0 {
			r.filled = true
		}
	}
	return nil
}

// Recent returns up to n events, oldest first.
func (r *Ring) Recent(n int) []models.AttackEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.filled {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.AttackEvent, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if r.filled {
			idx = (r.next + i) % len(r.buf)
		}
		out = append(out, r.buf[idx])
	}
	return out
}
