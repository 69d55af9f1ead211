package eventsourcing

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// queuedCommand is a command enqueued for processing, with the caller's
// context and a channel carrying the result back.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher. Commands are
// hashed by aggregate id onto a fixed set of worker shards, so all
// commands for one aggregate execute serially (single writer per
// aggregate) while distinct aggregates proceed in parallel.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.RWMutex
	shardCount int

	// stopMu excludes Stop's queue close from in-flight sends: Dispatch
	// holds the read side across the enqueue, Stop takes the write side
	// before closing the queues.
	stopMu  sync.RWMutex
	stopped bool
}

// NewCommandBus creates a bus with shardCount workers, each with a
// buffered queue of bufferSize commands.
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		stopCh:     make(chan struct{}),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.wg.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// RegisterCommandHandler registers the handler for command type C.
// Panics on duplicate registration; that is a wiring error.
func RegisterCommandHandler[C Command](bus *CommandBus, handler CommandHandler[C]) {
	var zero C
	name := TypeName(zero)

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if _, exists := bus.handlers[name]; exists {
		panic(fmt.Errorf("command %s: %w", name, ErrDuplicateHandler))
	}
	bus.handlers[name] = func(ctx context.Context, command Command) (AppendResult, error) {
		cmd, ok := command.(C)
		if !ok {
			return AppendResult{}, fmt.Errorf("command type mismatch: expected %s, got %T", name, command)
		}
		return handler(ctx, cmd)
	}
}

// Dispatch enqueues a command on its aggregate's shard and waits for the
// result. Safe for concurrent use.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	responseCh := make(chan commandResult, 1)
	shard := b.shardFor(cmd.AggregateID())

	b.stopMu.RLock()
	if b.stopped {
		b.stopMu.RUnlock()
		return AppendResult{}, fmt.Errorf("command bus is stopped")
	}

	// The read lock is held across the send; Stop closes stopCh first,
	// which unblocks this select, and only closes the queues once every
	// in-flight send has released the lock.
	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		b.stopMu.RUnlock()
	case <-ctx.Done():
		b.stopMu.RUnlock()
		return AppendResult{}, ctx.Err()
	case <-b.stopCh:
		b.stopMu.RUnlock()
		return AppendResult{}, fmt.Errorf("command bus is stopped")
	}

	select {
	case res := <-responseCh:
		return res.Result, res.Err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// Stop shuts the bus down and waits for queued commands to drain.
func (b *CommandBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.stopMu.Lock()
		b.stopped = true
		for _, q := range b.queues {
			close(q)
		}
		b.stopMu.Unlock()
	})
	b.wg.Wait()
}

func (b *CommandBus) shardFor(aggregateID string) int {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32()) % b.shardCount
}

func (b *CommandBus) worker(queue <-chan queuedCommand) {
	defer b.wg.Done()

	for qc := range queue {
		b.process(qc)
	}
}

func (b *CommandBus) process(qc queuedCommand) {
	defer func() {
		if r := recover(); r != nil {
			qc.ResponseCh <- commandResult{Err: fmt.Errorf("command handler panicked: %v", r)}
		}
	}()

	b.mu.RLock()
	handler, ok := b.handlers[TypeName(qc.Command)]
	b.mu.RUnlock()

	if !ok {
		qc.ResponseCh <- commandResult{Err: fmt.Errorf("command %T: %w", qc.Command, ErrHandlerNotFound)}
		return
	}

	result, err := handler(qc.Ctx, qc.Command)
	qc.ResponseCh <- commandResult{Result: result, Err: err}
}
