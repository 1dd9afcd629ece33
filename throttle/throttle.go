// Package throttle kapselt alle ausgehenden Aufrufe: Budget pro Quelle,
// Timeout pro Aufruf und Wiederholung mit exponentiellem Backoff.
package throttle

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paper-graph/config"
)

// Ergebnis-Labels für Observe.
const (
	ResultOK        = "ok"
	ResultRetry     = "retry"
	ResultTransient = "transient"
	ResultPermanent = "permanent"
)

// Options steuert Budgets und Retry-Verhalten.
type Options struct {
	Budgets     map[string]config.Budget
	Default     config.Budget
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// Jitter ist der relative Streubereich um die Backoff-Dauer (0.2 = ±20%).
	Jitter float64
}

// OptionsFromConfig baut Options aus der Umgebungskonfiguration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	budgets, def, err := cfg.Budgets()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Budgets:     budgets,
		Default:     def,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		CallTimeout: cfg.CallTimeout,
		Jitter:      0.2,
	}, nil
}

// Fetcher ist der prozessweite Drosselungspunkt. Budgets entstehen beim ersten
// Aufruf einer Quelle und leben bis Reset oder Prozessende; nichts wird
// persistiert.
type Fetcher struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// Observe wird nach jedem Versuch mit Quelle und Ergebnis-Label aufgerufen.
	Observe func(source, result string)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New erstellt einen Fetcher mit leeren Budgets.
func New(opts Options, logger *zap.Logger) *Fetcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Default.Max <= 0 || opts.Default.Window <= 0 {
		opts.Default = config.Budget{Max: 5, Window: time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		opts:     opts,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

// Reset verwirft alle Budgets. Der nächste Aufruf startet mit vollem Budget.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiters = make(map[string]*rate.Limiter)
}

func (f *Fetcher) limiter(source string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(source))
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[key]; ok {
		return l
	}
	b, ok := f.opts.Budgets[key]
	if !ok {
		b = f.opts.Default
	}
	l := rate.NewLimiter(rate.Every(b.Window/time.Duration(b.Max)), b.Max)
	f.limiters[key] = l
	return l
}

// Call führt op unter dem Budget von source aus. Transiente Fehler werden bis
// MaxAttempts wiederholt; das Ergebnis ist nil oder ein *FetchError.
func (f *Fetcher) Call(ctx context.Context, source string, op func(ctx context.Context) error) error {
	log := f.logger.With(zap.String("source", source))
	lim := f.limiter(source)

	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return &FetchError{Source: source, Kind: Transient, Attempts: attempt - 1, Err: contextCause(ctx, err)}
		}

		err := f.attempt(ctx, op)
		if err == nil {
			f.observe(source, ResultOK)
			return nil
		}
		if ctx.Err() != nil {
			f.observe(source, ResultTransient)
			return &FetchError{Source: source, Kind: Transient, Attempts: attempt, Err: errors.Join(err, ctx.Err())}
		}

		kind, retryAfter := Classify(err)
		if kind == Permanent {
			f.observe(source, ResultPermanent)
			return &FetchError{Source: source, Kind: Permanent, Attempts: attempt, Err: err}
		}
		if attempt >= f.opts.MaxAttempts {
			f.observe(source, ResultTransient)
			return &FetchError{Source: source, Kind: Transient, Attempts: attempt, Err: err}
		}
		f.observe(source, ResultRetry)

		delay := f.backoff(attempt)
		if retryAfter > delay {
			delay = min(retryAfter, f.opts.MaxDelay)
		}
		log.Debug("Transienter Fehler, neuer Versuch nach Backoff",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := f.sleep(ctx, delay); err != nil {
			return &FetchError{Source: source, Kind: Transient, Attempts: attempt, Err: errors.Join(err, ctx.Err())}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if f.opts.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// backoff liefert BaseDelay * 2^(attempt-1), gedeckelt auf MaxDelay, mit Jitter.
func (f *Fetcher) backoff(attempt int) time.Duration {
	d := time.Duration(float64(f.opts.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > f.opts.MaxDelay || d <= 0 {
		d = f.opts.MaxDelay
	}
	if f.opts.Jitter <= 0 {
		return d
	}
	delta := float64(d) * f.opts.Jitter
	low := math.Max(0, float64(d)-delta)
	return time.Duration(low + f.jitter()*2*delta)
}

func (f *Fetcher) observe(source, result string) {
	if f.Observe != nil {
		f.Observe(source, result)
	}
}

// Do ist Call mit Rückgabewert.
func Do[T any](ctx context.Context, f *Fetcher, source string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := f.Call(ctx, source, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func contextCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
