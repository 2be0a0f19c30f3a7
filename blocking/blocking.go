// Package blocking gives synchronous callers the asynchronous client's
// guarantees.
//
// Ownership boundary:
// - exactly one worker goroutine per Client, started by Connect, joined by Shutdown
// - a bounded queue; callers block while it is full and are never dropped
// - the inner kicadipc.Client, which nothing else references
//
// The worker starts every dequeued call at once against the inner client, so
// a slow call never holds up a later one. Instances share nothing.
package blocking

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/kicadipc"
	"github.com/danmuck/kicadipc/internal/config"
	"github.com/danmuck/kicadipc/internal/observability"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	DefaultQueueCapacity   = config.DefaultQueueCapacity
	DefaultShutdownTimeout = config.DefaultShutdownTimeout
)

// Options fixes the queue for the lifetime of a Client.
type Options struct {
	// QueueCapacity bounds calls admitted but not yet answered.
	QueueCapacity int
	// EnqueueTimeout turns a caller's wait for capacity into QueueTimeout.
	// Zero waits indefinitely.
	EnqueueTimeout time.Duration
	// ShutdownTimeout is the drain budget Close passes to Shutdown.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return o
}

type result struct {
	value any
	err   error
}

type job struct {
	run  func(ctx context.Context) (any, error)
	done chan result
	once sync.Once
}

// resolve delivers the first outcome; later ones are ignored.
func (j *job) resolve(v any, err error) bool {
	delivered := false
	j.once.Do(func() {
		j.done <- result{value: v, err: err}
		delivered = true
	})
	return delivered
}

type Client struct {
	inner *kicadipc.Client
	opts  Options
	log   zerolog.Logger

	slots chan struct{}
	queue chan *job

	mu         sync.Mutex
	closing    bool
	live       map[*job]struct{}
	submitting sync.WaitGroup

	stop         chan struct{}
	intakeClosed chan struct{}
	workerDone   chan struct{}

	callCtx    context.Context
	cancelCall context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// Connect dials the peer and starts the worker.
func Connect(ctx context.Context, cfg kicadipc.Config, opts Options) (*Client, error) {
	inner, err := kicadipc.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return start(inner, opts), nil
}

// ConnectFromEnv takes connection and queue settings from the file named by
// KICAD_IPC_CONFIG, or the defaults when it is unset.
func ConnectFromEnv(ctx context.Context) (*Client, error) {
	fc, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg := kicadipc.Config{
		SocketURI:  fc.Socket,
		Token:      fc.Token,
		ClientName: fc.ClientName,
		Timeout:    fc.Timeout,
		TLS: kicadipc.TLSConfig{
			CAFile:             fc.TLSCAFile,
			CertFile:           fc.TLSCertFile,
			KeyFile:            fc.TLSKeyFile,
			InsecureSkipVerify: fc.TLSInsecure,
		},
	}
	return Connect(ctx, cfg, Options{
		QueueCapacity:   fc.QueueCapacity,
		EnqueueTimeout:  fc.EnqueueTimeout,
		ShutdownTimeout: fc.ShutdownTimeout,
	})
}

func start(inner *kicadipc.Client, opts Options) *Client {
	opts = opts.withDefaults()
	callCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		inner:        inner,
		opts:         opts,
		log:          observability.Logger("blocking"),
		slots:        make(chan struct{}, opts.QueueCapacity),
		queue:        make(chan *job, opts.QueueCapacity),
		live:         make(map[*job]struct{}),
		stop:         make(chan struct{}),
		intakeClosed: make(chan struct{}),
		workerDone:   make(chan struct{}),
		callCtx:      callCtx,
		cancelCall:   cancel,
	}
	go c.worker()
	return c
}

func errShutDown(op string) error {
	return ipcerr.New(ipcerr.KindDisconnected, op, "client shut down")
}

// submit admits one call and blocks until it resolves.
func (c *Client) submit(op string, run func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, errShutDown(op)
	}
	c.submitting.Add(1)
	c.mu.Unlock()

	j := &job{run: run, done: make(chan result, 1)}
	if err := c.enqueue(op, j); err != nil {
		c.submitting.Done()
		return nil, err
	}
	c.submitting.Done()

	res := <-j.done
	return res.value, res.err
}

func (c *Client) enqueue(op string, j *job) error {
	waitStart := time.Now()
	select {
	case c.slots <- struct{}{}:
	default:
		var timeout <-chan time.Time
		if c.opts.EnqueueTimeout > 0 {
			timer := time.NewTimer(c.opts.EnqueueTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		c.log.Debug().Str("op", op).Int("capacity", c.opts.QueueCapacity).Msg("queue full; caller blocked")
		select {
		case c.slots <- struct{}{}:
		case <-c.stop:
			return errShutDown(op)
		case <-timeout:
			observability.RecordEnqueueWait(time.Since(waitStart))
			return ipcerr.New(ipcerr.KindQueueTimeout, op,
				"queue still full after "+c.opts.EnqueueTimeout.String())
		}
		observability.RecordEnqueueWait(time.Since(waitStart))
	}

	c.mu.Lock()
	c.live[j] = struct{}{}
	c.mu.Unlock()
	observability.QueueDepthAdd(1)
	// Never blocks: a held slot guarantees room.
	c.queue <- j
	return nil
}

// finish resolves j and frees its slot. It reports false when j had already
// been resolved.
func (c *Client) finish(j *job, v any, err error) bool {
	if !j.resolve(v, err) {
		return false
	}
	c.mu.Lock()
	delete(c.live, j)
	c.mu.Unlock()
	<-c.slots
	return true
}

func (c *Client) worker() {
	defer close(c.workerDone)
	var calls sync.WaitGroup
	for {
		select {
		case j := <-c.queue:
			c.launch(j, &calls)
		case <-c.stop:
			// Nothing new can be queued once intake is closed.
			<-c.intakeClosed
			for {
				select {
				case j := <-c.queue:
					c.launch(j, &calls)
					continue
				default:
				}
				break
			}
			calls.Wait()
			return
		}
	}
}

func (c *Client) launch(j *job, calls *sync.WaitGroup) {
	observability.QueueDepthAdd(-1)
	calls.Add(1)
	go func() {
		defer calls.Done()
		v, err := j.run(c.callCtx)
		c.finish(j, v, err)
	}()
}

// Shutdown stops intake, lets every admitted call finish, then closes the
// connection and drops open commit handles. Calls still unresolved when
// timeout elapses fail with ShutdownTimeout, as does Shutdown itself.
// Later calls return the first outcome.
func (c *Client) Shutdown(timeout time.Duration) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		close(c.stop)
		c.mu.Unlock()
		c.submitting.Wait()
		close(c.intakeClosed)

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.workerDone:
		case <-timer.C:
			// Only calls still unresolved at the deadline make this a timeout.
			if n := c.failRemaining(); n > 0 {
				c.shutdownErr = ipcerr.New(ipcerr.KindShutdownTimeout, "blocking.shutdown",
					"drain exceeded "+timeout.String())
				c.log.Warn().Int("failed", n).Dur("timeout", timeout).Msg("shutdown drain timed out")
			}
		}

		c.cancelCall()
		if err := c.inner.Close(); err != nil && c.shutdownErr == nil {
			c.shutdownErr = err
		}
		<-c.workerDone
	})
	return c.shutdownErr
}

func (c *Client) failRemaining() int {
	c.mu.Lock()
	remaining := make([]*job, 0, len(c.live))
	for j := range c.live {
		remaining = append(remaining, j)
	}
	c.mu.Unlock()

	failed := 0
	for _, j := range remaining {
		if c.finish(j, nil, ipcerr.New(ipcerr.KindShutdownTimeout, "blocking.call", "shutdown deadline reached before completion")) {
			failed++
		}
	}
	return failed
}

// Close is Shutdown with the configured drain budget.
func (c *Client) Close() error {
	return c.Shutdown(c.opts.ShutdownTimeout)
}

func do[T any](c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.submit(op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Call sends cmd and returns the raw response payload.
func (c *Client) Call(cmd proto.Message, opts ...kicadipc.CallOption) (*anypb.Any, error) {
	return do(c, "blocking.call", func(ctx context.Context) (*anypb.Any, error) {
		return c.inner.Call(ctx, cmd, opts...)
	})
}

// CallInto sends cmd and decodes the response payload into out.
func (c *Client) CallInto(cmd, out proto.Message, opts ...kicadipc.CallOption) error {
	payload, err := c.Call(cmd, opts...)
	if err != nil {
		return err
	}
	return kicadipc.Unpack(payload, out)
}

func (c *Client) Ping(opts ...kicadipc.CallOption) error {
	_, err := do(c, "blocking.ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.Ping(ctx, opts...)
	})
	return err
}

func (c *Client) BeginCommit(opts ...kicadipc.CallOption) (*kicadipc.CommitHandle, error) {
	return do(c, "blocking.begin_commit", func(ctx context.Context) (*kicadipc.CommitHandle, error) {
		return c.inner.BeginCommit(ctx, opts...)
	})
}

func (c *Client) EndCommit(h *kicadipc.CommitHandle, action kicadipc.CommitAction, message string, opts ...kicadipc.CallOption) error {
	_, err := do(c, "blocking.end_commit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.EndCommit(ctx, h, action, message, opts...)
	})
	return err
}

// Token mirrors kicadipc.Client.Token.
func (c *Client) Token() string {
	return c.inner.Token()
}
