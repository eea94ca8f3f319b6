package collector

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/groutine"
)

// Drainer streams records from a channel to a writer as they arrive.
// It is the live half of the notification pipeline: where the Collector
// retains records for later, the Drainer prints them immediately.
type Drainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Cancel stops the drainer. Remaining buffered records are flushed with a
// short timeout before the goroutine exits. Safe to call multiple times.
func (d *Drainer) Cancel() {
	d.cancelOnce.Do(func() {
		close(d.stop)
	})
}

// Wait blocks until the drain goroutine has exited.
func (d *Drainer) Wait() {
	d.wg.Wait()
}

// drainRemaining flushes records still buffered in the channel, bounded by
// timeout so shutdown cannot hang on a busy producer. Returns false if the
// timeout fired before the channel emptied.
func drainRemaining(valueChan <-chan Record, out io.Writer, format FormatFunc, timeout time.Duration, logger *logrus.Logger, reason string) bool {
	deadline := time.After(timeout)
	for {
		select {
		case rec, ok := <-valueChan:
			if !ok {
				return true
			}
			if _, err := io.WriteString(out, format(rec)); err != nil {
				logger.WithError(err).Debug("value drainer: write failed during final drain")
				return true
			}
		case <-deadline:
			logger.Debugf("value drainer: drain timeout during %s, some records may be lost", reason)
			return false
		default:
			return true
		}
	}
}

// NewDrainer starts a goroutine that copies records from valueChan to out,
// rendered with format (HexLineFormat when nil), until the channel closes,
// the context is cancelled, or Cancel is called. A nil out discards records.
func NewDrainer(ctx context.Context, valueChan <-chan Record, logger *logrus.Logger, out io.Writer, format FormatFunc) *Drainer {
	if out == nil {
		out = io.Discard
	}
	if format == nil {
		format = HexLineFormat
	}

	d := &Drainer{
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	groutine.Go(ctx, "value-drainer", func(ctx context.Context) {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("value drainer: panic recovered: %v", r)
			}
		}()
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))

		for {
			select {
			case rec, ok := <-valueChan:
				if !ok {
					return
				}
				if _, err := io.WriteString(out, format(rec)); err != nil {
					logger.WithError(err).Debug("value drainer: write failed")
				}
			case <-d.stop:
				drainRemaining(valueChan, out, format, 100*time.Millisecond, logger, "cancel")
				return
			case <-ctx.Done():
				drainRemaining(valueChan, out, format, 100*time.Millisecond, logger, "context cancellation")
				return
			}
		}
	})

	return d
}
