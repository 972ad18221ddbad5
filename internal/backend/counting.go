package backend

import (
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

// countingReader reports cumulative bytes read from the upload body.
type countingReader struct {
	r       io.Reader
	total   int64
	sent    int64
	limiter *rate.Limiter
	now     func() time.Time
	report  ingest.TransferFunc
}

func newCountingReader(
	r io.Reader,
	total int64,
	every time.Duration,
	now func() time.Time,
	report ingest.TransferFunc,
) *countingReader {
	if total < 0 {
		total = 0
	}
	return &countingReader{
		r:       r,
		total:   total,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		now:     now,
		report:  report,
	}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.sent += int64(n)
	if c.report == nil {
		return n, err
	}
	at := c.now()
	switch {
	case errors.Is(err, io.EOF):
		c.emit(at, true)
	case n > 0 && c.limiter.AllowN(at, 1):
		c.emit(at, false)
	}
	return n, err
}

// emit publishes the current count. An unknown total is reported as the
// final byte count once the body is drained.
func (c *countingReader) emit(at time.Time, final bool) {
	total := c.total
	if final && total == 0 {
		total = c.sent
	}
	c.report(c.sent, total, at)
}
