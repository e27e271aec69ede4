// internal/offload/worker.go
package offload

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

// Worker is an isolated execution context that answers CALCULATE messages.
// Messages is never closed; Done is closed once the worker has died or been
// terminated, after which Err reports why (nil for Terminate).
type Worker interface {
	Post(msg Message) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// Factory creates a fresh worker. It is called lazily on first use and again
// after a crash.
type Factory func(ctx context.Context) (Worker, error)

// Calculator is the computation a worker runs. *valuation.Engine implements it.
type Calculator interface {
	Calculate(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error)
}

// WorkerOption configures an EngineWorker.
type WorkerOption func(*EngineWorker)

// WithCleanup registers fn to run once when the worker stops, e.g. closing
// the RPC client it owns.
func WithCleanup(fn func()) WorkerOption {
	return func(w *EngineWorker) {
		w.cleanup = fn
	}
}

// EngineWorker runs a Calculator in its own goroutines. Calculations never
// share state with the caller: requests and results are copied through
// messages. A panic inside a calculation kills the whole worker.
type EngineWorker struct {
	calc    Calculator
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan Message
	done    chan struct{}
	cleanup func()

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewEngineWorker starts a worker and immediately announces READY.
func NewEngineWorker(ctx context.Context, calc Calculator, logger *zap.Logger, opts ...WorkerOption) *EngineWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &EngineWorker{
		calc:   calc,
		logger: logger.Named("worker"),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Родительский контекст отменен: воркер завершается без ошибки
	go func() {
		select {
		case <-ctx.Done():
			w.stop(nil)
		case <-w.done:
		}
	}()

	w.emit(Message{Type: MessageReady})
	return w
}

// Post hands a CALCULATE message to the worker.
func (w *EngineWorker) Post(msg Message) error {
	if msg.Type != MessageCalculate {
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
	if msg.Request == nil {
		return fmt.Errorf("calculate message %d has no data", msg.RequestID)
	}
	select {
	case <-w.done:
		return ErrWorkerCrashed
	default:
	}

	req := Request{
		Tokens:   append([]token.Descriptor(nil), msg.Request.Tokens...),
		Balances: msg.Request.Balances.Clone(),
		Options:  msg.Request.Options,
	}
	go w.handle(msg.RequestID, req)
	return nil
}

// Messages returns the outbound stream.
func (w *EngineWorker) Messages() <-chan Message { return w.out }

// Done is closed when the worker stops.
func (w *EngineWorker) Done() <-chan struct{} { return w.done }

// Err returns the crash cause, nil while alive or after Terminate.
func (w *EngineWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate stops the worker. In-flight calculations are cancelled and their
// replies are never sent.
func (w *EngineWorker) Terminate() {
	w.stop(nil)
}

func (w *EngineWorker) handle(id uint64, req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Calculation panicked, worker is going down",
				zap.Uint64("request_id", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			w.stop(fmt.Errorf("%w: %v", ErrWorkerCrashed, r))
		}
	}()

	result, err := w.calc.Calculate(w.ctx, req.Tokens, req.Balances, req.Options)
	if err != nil {
		w.emit(Message{Type: MessageError, RequestID: id, Error: err.Error()})
		return
	}
	result = result.Clone()
	w.emit(Message{Type: MessageResult, RequestID: id, Result: &result})
}

func (w *EngineWorker) emit(msg Message) {
	select {
	case w.out <- msg:
	case <-w.done:
	}
}

func (w *EngineWorker) stop(cause error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = cause
		w.mu.Unlock()

		if cause != nil {
			w.logger.Warn("Worker stopped", zap.Error(cause))
		} else {
			w.logger.Debug("Worker terminated")
		}
		w.cancel()
		if w.cleanup != nil {
			w.cleanup()
		}
		close(w.done)
	})
}
