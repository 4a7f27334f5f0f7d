package scale

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/kkaryeong/reagent-ology/metric"
)

// Source produces an infinite stream of raw device lines. Run blocks until
// the context is cancelled; transient link failures are handled inside the
// source and never end the stream.
type Source interface {
	Run(ctx context.Context, out chan<- Sample) error
}

// SerialSource reads newline-terminated text from a physical serial link.
// On open failure or a mid-stream read error it logs the condition, waits
// ReconnectBackoff and reopens the port. There is no retry ceiling; the
// caller bounds process lifetime through the context.
type SerialSource struct {
	Device           string
	BaudRate         int
	ReadTimeout      time.Duration
	ReconnectBackoff time.Duration
	Logger           *slog.Logger
	Metrics          *metric.Metrics // optional
}

// Run reads lines from the device until ctx is cancelled
func (s *SerialSource) Run(ctx context.Context, out chan<- Sample) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default().With("component", "serial-source", "device", s.Device)
	}

	backoff := s.ReconnectBackoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		port, err := serial.Open(s.Device, &serial.Mode{BaudRate: s.BaudRate})
		if err != nil {
			logger.Warn("Failed to open serial port, retrying",
				"error", err, "backoff", backoff)
			if s.Metrics != nil {
				s.Metrics.LinkReconnects.Inc()
			}
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		logger.Info("Serial port opened", "device", s.Device, "baud_rate", s.BaudRate)

		readTimeout := s.ReadTimeout
		if readTimeout <= 0 {
			readTimeout = 2 * time.Second
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			logger.Warn("Failed to set read timeout", "error", err)
		}

		err = s.readLoop(ctx, port, out)
		_ = port.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("Serial read error, reconnecting",
			"error", err, "backoff", backoff)
		if s.Metrics != nil {
			s.Metrics.LinkReconnects.Inc()
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
	}
}

// readLoop reads from an open port until a read error or cancellation.
// A zero-length read is a timeout with no data yet, not an error.
func (s *SerialSource) readLoop(ctx context.Context, port serial.Port, out chan<- Sample) error {
	buf := make([]byte, 256)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(pending[:idx]))
			pending = pending[idx+1:]
			if line == "" {
				continue
			}
			if s.Metrics != nil {
				s.Metrics.SamplesRead.Inc()
			}
			select {
			case out <- Sample{At: time.Now(), Text: line}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// SimulatedSource cycles a fixed set of canned lines at a fixed interval.
// It stands in for the physical device in development and tests.
type SimulatedSource struct {
	Lines    []string
	Interval time.Duration
}

// Run emits the canned lines in a cycle until ctx is cancelled
func (s *SimulatedSource) Run(ctx context.Context, out chan<- Sample) error {
	if len(s.Lines) == 0 {
		return nil
	}

	interval := s.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for i := 0; ; i++ {
		line := s.Lines[i%len(s.Lines)]
		select {
		case out <- Sample{At: time.Now(), Text: line}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
