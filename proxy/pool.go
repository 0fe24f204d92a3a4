package proxy

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fr13n8/tunsock/config"
)

var (
	// ErrPoolSaturated is returned by Submit when every worker is busy and the
	// queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	ErrPoolStopped   = errors.New("worker pool stopped")
)

// WorkerPool runs stream handlers. It grows from MinWorkers up to MaxWorkers
// while requests wait, and workers above the minimum retire after sitting
// idle for IdleTimeout.
type WorkerPool struct {
	tasks       chan func()
	minWorkers  int32
	maxWorkers  int32
	idleTimeout time.Duration

	workers atomic.Int32
	idle    atomic.Int32

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewWorkerPool(conf config.WorkerPool) *WorkerPool {
	conf = conf.WithDefaults()
	return &WorkerPool{
		tasks:       make(chan func(), conf.QueueSize),
		minWorkers:  int32(conf.MinWorkers),
		maxWorkers:  int32(conf.MaxWorkers),
		idleTimeout: conf.IdleTimeout,
		stop:        make(chan struct{}),
	}
}

// Start launches the minimum number of workers.
func (wp *WorkerPool) Start() {
	for wp.workers.Load() < wp.minWorkers && wp.grow() {
		wp.startWorker(nil)
	}
}

// Stop makes every worker return once its current task is done and waits for
// them. Tasks still queued are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.stop) })
	wp.wg.Wait()
}

// Submit hands task to an idle worker, starts a new one, or queues it. It
// never blocks: when none of that is possible it returns ErrPoolSaturated.
func (wp *WorkerPool) Submit(task func()) error {
	select {
	case <-wp.stop:
		return ErrPoolStopped
	default:
	}

	if wp.idle.Load() == 0 && wp.grow() {
		wp.startWorker(task)
		return nil
	}
	select {
	case wp.tasks <- task:
		return nil
	default:
	}
	if wp.grow() {
		wp.startWorker(task)
		return nil
	}
	return ErrPoolSaturated
}

// Workers returns the number of running workers.
func (wp *WorkerPool) Workers() int {
	return int(wp.workers.Load())
}

// grow reserves a worker slot.
func (wp *WorkerPool) grow() bool {
	for {
		n := wp.workers.Load()
		if n >= wp.maxWorkers {
			return false
		}
		if wp.workers.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// shrink gives up a worker slot unless the pool is at its minimum.
func (wp *WorkerPool) shrink() bool {
	for {
		n := wp.workers.Load()
		if n <= wp.minWorkers {
			return false
		}
		if wp.workers.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// startWorker runs a worker in a slot reserved by grow, beginning with first
// when it is not nil.
func (wp *WorkerPool) startWorker(first func()) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()

		if first != nil {
			first()
		}

		timer := time.NewTimer(wp.idleTimeout)
		defer timer.Stop()

		for {
			wp.idle.Add(1)
			select {
			case task := <-wp.tasks:
				wp.idle.Add(-1)
				task()
				timer.Reset(wp.idleTimeout)
			case <-timer.C:
				wp.idle.Add(-1)
				if wp.shrink() {
					return
				}
				timer.Reset(wp.idleTimeout)
			case <-wp.stop:
				wp.idle.Add(-1)
				wp.workers.Add(-1)
				return
			}
		}
	}()
}
