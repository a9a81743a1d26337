package progress

import (
	"io"
	"sync/atomic"
	"time"

	throttle "github.com/boz/go-throttle"
)

// DefaultReportInterval bounds how often byte-progress callbacks fire
// during a transfer.
const DefaultReportInterval = 100 * time.Millisecond

// ThrottledWriter counts bytes flowing through an underlying writer and
// reports the running total to a callback, rate-limited so large transfers
// do not cause callback storms.
type ThrottledWriter struct {
	underlying io.Writer
	written    atomic.Int64
	driver     throttle.ThrottleDriver
	report     func(written int64)
}

// NewThrottledWriter wraps underlying. report receives the cumulative byte
// count at most once per interval, plus a final call on Close.
func NewThrottledWriter(underlying io.Writer, interval time.Duration, report func(written int64)) *ThrottledWriter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	w := &ThrottledWriter{
		underlying: underlying,
		report:     report,
	}
	w.driver = throttle.ThrottleFunc(interval, true, func() {
		report(w.written.Load())
	})
	return w
}

func (w *ThrottledWriter) Write(p []byte) (int, error) {
	n, err := w.underlying.Write(p)
	if n > 0 {
		w.written.Add(int64(n))
		w.driver.Trigger()
	}
	return n, err
}

// Close stops the throttle and emits a final report with the exact total.
func (w *ThrottledWriter) Close() error {
	w.driver.Stop()
	w.report(w.written.Load())
	return nil
}
