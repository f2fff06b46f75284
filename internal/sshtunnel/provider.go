package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/jomxxx/mcwdserver2/internal/config"
	"github.com/jomxxx/mcwdserver2/internal/logging"
	"github.com/jomxxx/mcwdserver2/internal/metrics"
)

// Options configures a Provider. Transport defaults to an SSHTransport that
// accepts any host key; OpenPool is required.
type Options struct {
	// MaxRetries and RetryDelay are the defaults used by Acquire.
	MaxRetries int
	RetryDelay time.Duration

	// AttemptTimeout bounds the SSH dial, handshake and forward setup of a
	// single attempt, and separately the pool open that follows. Zero means
	// no per-attempt deadline.
	AttemptTimeout time.Duration

	// KeepAlive enables TCP keep-alive on forwarded sockets (initial delay
	// KeepAliveDelay) and periodic SSH keepalive requests.
	KeepAlive      bool
	KeepAliveDelay time.Duration

	Transport Transport
	OpenPool  PoolOpener
	Metrics   *metrics.Metrics
	Debug     bool
}

// Provider owns the single live SSH session, port forward and database pool
// of the process. Acquire returns the shared handle, building it on first use
// and again after the connection was lost or released.
type Provider struct {
	ssh    config.SSHSettings
	dbAddr string
	opts   Options
	debugf func(format string, args ...any)

	group singleflight.Group

	mu            sync.RWMutex
	live          *liveConn
	epoch         uint64
	connectCancel context.CancelFunc
	lastErr       error

	state    *stateTracker
	events   *eventLog
	attempts atomic.Int64
	rebuilds atomic.Int64
}

// New creates a Provider that tunnels to dbAddr (host:port as seen from the
// SSH server). No network activity happens until the first Acquire.
func New(sshCfg config.SSHSettings, dbAddr string, opts Options) (*Provider, error) {
	if opts.OpenPool == nil {
		return nil, errors.New("sshtunnel: Options.OpenPool is required")
	}
	if opts.Transport == nil {
		opts.Transport = &SSHTransport{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	p := &Provider{
		ssh:    sshCfg,
		dbAddr: dbAddr,
		opts:   opts,
		debugf: logging.Debugf("[db]", opts.Debug),
		state:  newStateTracker(),
		events: newEventLog(),
	}
	p.state.onChange(func(_, to State) {
		opts.Metrics.TunnelState(int(to))
	})
	return p, nil
}

// NewFromSettings builds a Provider for the MySQL database described by s.
func NewFromSettings(s config.Settings, m *metrics.Metrics) (*Provider, error) {
	transport, err := NewSSHTransport(s.SSHKnownHosts)
	if err != nil {
		return nil, err
	}
	db := s.Database()
	return New(s.SSH(), net.JoinHostPort(db.Host, strconv.Itoa(db.Port)), Options{
		MaxRetries:     s.DBRetries,
		RetryDelay:     s.DBRetryDelay,
		AttemptTimeout: s.AttemptTimeout,
		KeepAlive:      s.DBKeepAlive,
		KeepAliveDelay: s.DBKeepAliveDelay,
		Transport:      transport,
		OpenPool: OpenMySQL(db, PoolOptions{
			MaxOpenConns:   s.DBMaxConns,
			ConnectTimeout: s.DBConnectTimeout,
			Location:       s.Location(),
			Debug:          s.DBLog,
		}),
		Metrics: m,
		Debug:   s.DBLog,
	})
}

// Acquire returns the live database handle, connecting with the configured
// retry budget if there is none.
func (p *Provider) Acquire(ctx context.Context) (*gorm.DB, error) {
	return p.AcquireWithRetry(ctx, p.opts.MaxRetries, p.opts.RetryDelay)
}

// AcquireWithRetry returns the live database handle. Without one it makes up
// to maxRetries+1 connection attempts, waiting retryDelay between them. The
// budget is shared by the SSH, forwarding and pool phases.
//
// Concurrent callers share a single connection sequence, run with the budget
// of the caller that started it. Cancelling ctx abandons the wait but not the
// sequence, whose result is kept for later callers.
func (p *Provider) AcquireWithRetry(ctx context.Context, maxRetries int, retryDelay time.Duration) (*gorm.DB, error) {
	p.mu.RLock()
	lc, epoch := p.live, p.epoch
	p.mu.RUnlock()
	if lc != nil {
		return lc.db, nil
	}

	ch := p.group.DoChan("connect-"+strconv.FormatUint(epoch, 10), func() (any, error) {
		return p.connect(epoch, maxRetries, retryDelay)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*liveConn).db, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect runs one acquisition sequence. It is detached from any caller's
// context; only Release cancels it.
func (p *Provider) connect(epoch uint64, maxRetries int, retryDelay time.Duration) (*liveConn, error) {
	p.mu.Lock()
	if p.live != nil {
		lc := p.live
		p.mu.Unlock()
		return lc, nil
	}
	if p.epoch != epoch {
		p.mu.Unlock()
		return nil, ErrReleased
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.connectCancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		if p.epoch == epoch {
			p.connectCancel = nil
		}
		p.mu.Unlock()
	}()

	p.state.set(StateConnecting, "acquire")

	if maxRetries < 0 {
		maxRetries = 0
	}
	total := maxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			p.debugf("retrying in %s (%d attempt(s) left)", retryDelay, total-attempt+1)
			select {
			case <-ctx.Done():
				return nil, p.abandon()
			case <-time.After(retryDelay):
			}
		}

		lc, phase, err := p.attempt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, p.abandon()
			}
			lastErr = err
			p.events.record(Event{Type: EventAttemptFailed, Attempt: attempt, Phase: phase, Details: err.Error()})
			p.debugf("attempt %d/%d failed: %v", attempt, total, err)
			continue
		}

		p.mu.Lock()
		if p.epoch != epoch {
			p.mu.Unlock()
			lc.close()
			return nil, p.abandon()
		}
		p.live = lc
		p.lastErr = nil
		p.mu.Unlock()

		p.state.set(StateReady, fmt.Sprintf("connected on attempt %d", attempt))
		p.events.record(Event{Type: EventConnected, Attempt: attempt, Details: "forwarding " + lc.forwarder.Addr() + " -> " + p.dbAddr})

		// A caller that got lc from the fast path may already have reported
		// it lost; never leave ready standing without a live connection.
		p.mu.RLock()
		stillLive := p.live == lc
		p.mu.RUnlock()
		if !stillLive {
			p.state.set(StateUninitialized, "connection lost before ready")
			return lc, nil
		}
		p.watch(lc)
		p.debugf("connected via %s@%s:%d, forwarding %s -> %s", p.ssh.Username, p.ssh.Host, p.ssh.Port, lc.forwarder.Addr(), p.dbAddr)
		return lc, nil
	}

	err := fmt.Errorf("gave up after %d attempt(s): %w", total, lastErr)
	p.mu.Lock()
	current := p.epoch == epoch
	if current {
		p.lastErr = err
	}
	p.mu.Unlock()
	if !current {
		return nil, ErrReleased
	}
	p.state.set(StateFailed, err.Error())
	p.events.record(Event{Type: EventAcquireFailed, Attempt: total, Details: err.Error()})
	log.Printf("[db] connection failed: %v", err)
	return nil, err
}

// abandon ends a sequence cut short by Release.
func (p *Provider) abandon() error {
	p.mu.RLock()
	idle := p.live == nil && p.connectCancel == nil
	p.mu.RUnlock()
	if idle && p.state.get() == StateConnecting {
		p.state.set(StateUninitialized, "released while connecting")
	}
	return ErrReleased
}

// attempt performs one handshake, forward and pool open. On failure
// everything opened so far is closed and the failing phase is returned.
func (p *Provider) attempt(ctx context.Context) (*liveConn, Phase, error) {
	p.attempts.Add(1)

	actx := ctx
	if p.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
	}

	session, err := p.opts.Transport.Connect(actx, p.ssh)
	p.opts.Metrics.ConnectAttempt(string(PhaseTransport), err)
	if err != nil {
		return nil, PhaseTransport, fmt.Errorf("%w: %w", ErrTransportConnection, err)
	}

	var keepAlive time.Duration
	if p.opts.KeepAlive {
		keepAlive = p.opts.KeepAliveDelay
	}
	fwd, err := Forward(actx, session, p.dbAddr, keepAlive)
	p.opts.Metrics.ConnectAttempt(string(PhaseForward), err)
	if err != nil {
		session.Close()
		return nil, PhaseForward, fmt.Errorf("%w: %w", ErrTunnelForwarding, err)
	}

	// The pool open has its own deadline, separate from the SSH phases.
	pctx := ctx
	if p.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
	}
	db, err := p.opts.OpenPool(pctx, fwd.Addr())
	p.opts.Metrics.ConnectAttempt(string(PhasePool), err)
	if err != nil {
		fwd.Close()
		session.Close()
		return nil, PhasePool, fmt.Errorf("%w: %w", ErrDatabaseConnection, err)
	}

	return newLiveConn(db, session, fwd), "", nil
}

// Release closes the pool, the forwarder and the SSH session, in that order,
// and returns their errors joined. It is a no-op when nothing is live. An
// acquisition in flight fails with ErrReleased. If ctx ends first, closing
// continues in the background.
func (p *Provider) Release(ctx context.Context) error {
	p.mu.Lock()
	p.epoch++
	lc := p.live
	p.live = nil
	cancel := p.connectCancel
	p.connectCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if lc == nil {
		return nil
	}

	p.state.set(StateClosed, "released")
	p.events.record(Event{Type: EventReleased, Details: "released " + lc.forwarder.Addr()})

	done := make(chan error, 1)
	go func() { done <- lc.close() }()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("[db] error during release: %v", err)
			return err
		}
		p.debugf("connection released")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("release: %w", ctx.Err())
	}
}

// ReportError tells the provider about an error from a query on the handle.
// Errors meaning the connection is gone discard the live connection so the
// next Acquire rebuilds it; the return value reports whether that happened.
func (p *Provider) ReportError(err error) bool {
	if !IsConnectionLost(err) {
		return false
	}
	p.mu.RLock()
	lc := p.live
	p.mu.RUnlock()
	if lc == nil {
		return false
	}
	return p.invalidate(lc, fmt.Sprintf("connection lost: %v", err))
}

// invalidate discards lc if it is still the live connection.
func (p *Provider) invalidate(lc *liveConn, reason string) bool {
	p.mu.Lock()
	if p.live != lc {
		p.mu.Unlock()
		return false
	}
	p.live = nil
	p.mu.Unlock()

	p.rebuilds.Add(1)
	p.opts.Metrics.Rebuild()
	p.events.record(Event{Type: EventInvalidated, Details: reason})
	p.state.set(StateUninitialized, reason)
	log.Printf("[db] connection discarded: %s", reason)

	go func() {
		if err := lc.close(); err != nil {
			p.debugf("closing discarded connection: %v", err)
		}
	}()
	return true
}

// Status is a snapshot of the provider for the status endpoint.
type Status struct {
	State       State           `json:"state"`
	ConnectedAt time.Time       `json:"connected_at,omitzero"`
	LocalAddr   string          `json:"local_addr,omitempty"`
	RemoteAddr  string          `json:"remote_addr"`
	Attempts    int64           `json:"attempts"`
	Rebuilds    int64           `json:"rebuilds"`
	LastError   string          `json:"last_error,omitempty"`
	Forwarder   *ForwarderStats `json:"forwarder,omitempty"`
}

func (p *Provider) Status() Status {
	p.mu.RLock()
	lc, lastErr := p.live, p.lastErr
	p.mu.RUnlock()

	st := Status{
		State:      p.state.get(),
		RemoteAddr: p.dbAddr,
		Attempts:   p.attempts.Load(),
		Rebuilds:   p.rebuilds.Load(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if lc != nil {
		fs := lc.forwarder.Stats()
		st.ConnectedAt = lc.connectedAt
		st.LocalAddr = fs.LocalAddr
		st.Forwarder = &fs
	}
	return st
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	return p.state.get()
}

// Ready reports whether a live connection exists.
func (p *Provider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live != nil
}

// Attempts returns the number of connection attempts made so far.
func (p *Provider) Attempts() int64 {
	return p.attempts.Load()
}

// Transitions returns recent state transitions, oldest first.
func (p *Provider) Transitions() []StateTransition {
	return p.state.history()
}

// Events returns recent lifecycle events, oldest first.
func (p *Provider) Events() []Event {
	return p.events.history()
}

// OnStateChange registers a callback run on every state change.
func (p *Provider) OnStateChange(cb StateChangeCallback) {
	p.state.onChange(cb)
}

// liveConn is one established session, forwarder and pool.
type liveConn struct {
	db          *gorm.DB
	session     Session
	forwarder   *Forwarder
	connectedAt time.Time

	watchCtx  context.Context
	stopWatch context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func newLiveConn(db *gorm.DB, session Session, fwd *Forwarder) *liveConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveConn{
		db:          db,
		session:     session,
		forwarder:   fwd,
		connectedAt: time.Now(),
		watchCtx:    ctx,
		stopWatch:   cancel,
	}
}

// close tears down pool, forwarder and session. Each step runs even if an
// earlier one failed.
func (lc *liveConn) close() error {
	lc.closeOnce.Do(func() {
		lc.stopWatch()

		var errs []error
		if sqlDB, err := lc.db.DB(); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		} else if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
		if err := lc.forwarder.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close tunnel: %w", err))
		}
		if err := lc.session.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			errs = append(errs, fmt.Errorf("close ssh session: %w", err))
		}
		lc.closeErr = errors.Join(errs...)
	})
	return lc.closeErr
}
