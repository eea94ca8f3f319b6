// Package collector captures characteristic values flowing out of a ring
// channel into a bounded in-memory buffer for later consumption.
//
// It is the capture half of the notification pipeline: a producer pushes
// Record values into a ringchan.RingChannel, and either a Drainer streams
// them to a writer as they arrive, or a Collector retains the most recent
// ones for inspection after the stream stops.
package collector

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	mpmc "github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Record is a single characteristic value observed on a connection.
type Record struct {
	Endpoint   string    `json:"endpoint"`
	Value      []byte    `json:"value"`
	ReceivedAt time.Time `json:"received_at"`
}

// FormatFunc renders a Record as text. The result is written verbatim,
// so implementations are expected to include a trailing newline.
type FormatFunc func(rec Record) string

// HexLineFormat renders a record as one line: timestamp, endpoint and the
// value as space-separated hex bytes.
func HexLineFormat(rec Record) string {
	return fmt.Sprintf("%s  %s  %s\n",
		rec.ReceivedAt.Format("15:04:05.000"),
		rec.Endpoint,
		hex.EncodeToString(rec.Value))
}

// Metrics provides lock-free metrics tracking for the collector
type Metrics struct {
	RecordsProcessed   int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

func (m *Metrics) IncrementRecordsProcessed(n int) {
	atomic.AddInt64(&m.RecordsProcessed, int64(n))
}

func (m *Metrics) IncrementRecordsOverwritten(n int) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(n))
}

func (m *Metrics) IncrementErrorsOccurred(n int) {
	atomic.AddInt64(&m.ErrorsOccurred, int64(n))
}

func (m *Metrics) GetRecordsProcessed() int64 {
	return atomic.LoadInt64(&m.RecordsProcessed)
}

func (m *Metrics) GetRecordsOverwritten() int64 {
	return atomic.LoadInt64(&m.RecordsOverwritten)
}

func (m *Metrics) GetErrorsOccurred() int64 {
	return atomic.LoadInt64(&m.ErrorsOccurred)
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
}

// Collector lifecycle states.
const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// MaxBufferSize caps the ring buffer size to keep memory bounded.
const MaxBufferSize = 1024 * 1024

// Collector drains records from a channel into an overwriting ring buffer.
// When the buffer fills up, the oldest records are discarded, so the
// collector always holds the most recent window of activity.
//
// The collector owns a single background goroutine between Start and Stop.
// Records are consumed with ConsumeRecords once the collector is stopped
// or the source channel is closed.
type Collector struct {
	valueChan <-chan Record
	buffer    mpmc.RichOverlappedRingBuffer[Record]
	stop      chan struct{}
	done      chan struct{}
	onError   func(error)
	metrics   Metrics
	state     uint32 // atomic: StateNotRunning, StateRunning, StateStopping
}

// New creates a Collector reading from valueChan into a ring buffer of
// bufferSize records. onError is invoked (once) if the collection loop
// fails; pass nil to panic on internal errors.
func New(valueChan <-chan Record, bufferSize int, onError func(error)) (*Collector, error) {
	if valueChan == nil {
		return nil, fmt.Errorf("value channel cannot be nil")
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}

	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("collector error: %v", err))
		}
	}

	return &Collector{
		valueChan: valueChan,
		buffer:    mpmc.NewOverlappedRingBuffer[Record](uint32(bufferSize)),
		onError:   onError,
		state:     StateNotRunning,
	}, nil
}

// Start launches the collection goroutine. It returns an error if the
// collector is already running or if startup confirmation times out.
func (c *Collector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateNotRunning, StateRunning) {
		return fmt.Errorf("collector is already running")
	}

	// Fresh channels per run so the collector can be restarted.
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	started := make(chan struct{}, 1)

	go func() {
		defer close(c.done)
		defer atomic.StoreUint32(&c.state, StateNotRunning)

		started <- struct{}{}

		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.valueChan:
				if !ok {
					// Source channel closed, nothing more to collect.
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.metrics.IncrementErrorsOccurred(1)
					c.onError(fmt.Errorf("failed to enqueue record: %w", err))
					return
				}
				c.metrics.IncrementRecordsOverwritten(int(overwrites))
				c.metrics.IncrementRecordsProcessed(1)
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		return fmt.Errorf("collector goroutine failed to start within timeout")
	}
}

// Stop signals the collection goroutine and waits for it to exit.
// Buffered records remain available for consumption afterwards.
func (c *Collector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateRunning, StateStopping) {
		return fmt.Errorf("collector is not running")
	}

	close(c.stop)

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("collector goroutine failed to stop within timeout")
	}
}

// GetState returns the current lifecycle state.
func (c *Collector) GetState() uint32 {
	return atomic.LoadUint32(&c.state)
}

// GetMetrics returns a snapshot of the collector counters.
func (c *Collector) GetMetrics() Metrics {
	return Metrics{
		RecordsProcessed:   c.metrics.GetRecordsProcessed(),
		RecordsOverwritten: c.metrics.GetRecordsOverwritten(),
		ErrorsOccurred:     c.metrics.GetErrorsOccurred(),
	}
}

// ConsumerFunc processes records drained from the buffer.
//
// It is called once per record, then a final time with a nil record to
// signal completion. Returning a non-zero result at any point terminates
// consumption early with that result; returning an error aborts it.
type ConsumerFunc[T any] func(record *Record) (T, error)

// CollectConsumerFunc returns a consumer that accumulates every record
// and yields the full slice on the final call.
func CollectConsumerFunc() ConsumerFunc[[]Record] {
	var records []Record
	return func(record *Record) ([]Record, error) {
		if record == nil {
			return records, nil
		}
		records = append(records, *record)
		return nil, nil
	}
}

// TextConsumerFunc returns a consumer that renders each record with
// format and yields the concatenated text on the final call.
func TextConsumerFunc(format FormatFunc) ConsumerFunc[string] {
	if format == nil {
		format = HexLineFormat
	}
	var sb strings.Builder
	return func(record *Record) (string, error) {
		if record == nil {
			return sb.String(), nil
		}
		sb.WriteString(format(*record))
		return "", nil
	}
}

// ConsumeRecords drains all buffered records through the consumer.
// It must not be called while the collector is running.
func ConsumeRecords[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	var zero T

	if atomic.LoadUint32(&c.state) == StateRunning {
		return zero, fmt.Errorf("cannot consume records while collector is running")
	}

	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return zero, fmt.Errorf("failed to dequeue record: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return zero, err
		}
		if !isZeroValue(result) {
			return result, nil
		}
	}

	// Final call signals completion.
	return consumer(nil)
}

func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// ConsumeAll drains the buffer and returns every retained record in order.
func (c *Collector) ConsumeAll() ([]Record, error) {
	return ConsumeRecords(c, CollectConsumerFunc())
}

// ConsumeText drains the buffer and renders every retained record with
// format (HexLineFormat when nil).
func (c *Collector) ConsumeText(format FormatFunc) (string, error) {
	return ConsumeRecords(c, TextConsumerFunc(format))
}
