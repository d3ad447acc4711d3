package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		pool := NewWorkerPool(n)
		if want := runtime.GOMAXPROCS(0); pool.Workers() != want {
			t.Errorf("NewWorkerPool(%d).Workers() = %d, want %d", n, pool.Workers(), want)
		}
		pool.Close()
	}
}

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	const numJobs = 100
	var counter atomic.Int64
	seen := make([]bool, numJobs)

	jobs := make([]Job, numJobs)
	for i := range jobs {
		jobs[i] = func(index int) error {
			counter.Add(1)
			seen[index] = true
			return nil
		}
	}

	if err := pool.ExecuteAll(jobs); err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if counter.Load() != numJobs {
		t.Errorf("counter = %d, want %d", counter.Load(), numJobs)
	}
	for i, ok := range seen {
		if !ok {
			t.Errorf("job %d did not run", i)
		}
	}
}

func TestWorkerPool_ExecuteAll_Empty(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if err := pool.ExecuteAll(nil); err != nil {
		t.Errorf("ExecuteAll(nil) = %v", err)
	}
}

func TestWorkerPool_ExecuteAll_Errors(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	errOdd := errors.New("odd job")
	jobs := make([]Job, 6)
	for i := range jobs {
		jobs[i] = func(index int) error {
			if index%2 == 1 {
				return errOdd
			}
			return nil
		}
	}

	err := pool.ExecuteAll(jobs)
	if !errors.Is(err, errOdd) {
		t.Fatalf("ExecuteAll error = %v, want %v", err, errOdd)
	}
}

func TestWorkerPool_ExecuteAll_Panic(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	var ran atomic.Int64
	jobs := []Job{
		func(int) error { ran.Add(1); return nil },
		func(int) error { panic("recording failed") },
		func(int) error { ran.Add(1); return nil },
	}

	defer func() {
		r := recover()
		if r != "recording failed" {
			t.Errorf("recovered %v, want the job's panic value", r)
		}
		if ran.Load() != 2 {
			t.Errorf("%d other jobs ran, want 2", ran.Load())
		}
	}()
	_ = pool.ExecuteAll(jobs)
	t.Error("ExecuteAll did not re-panic")
}

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("Pool should not be running after close")
	}
}

func TestWorkerPool_OperationsAfterClose(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Close()

	var executed atomic.Bool
	err := pool.ExecuteAll([]Job{func(int) error { executed.Store(true); return nil }})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("ExecuteAll after Close = %v, want ErrClosed", err)
	}
	if executed.Load() {
		t.Error("Work was executed on closed pool")
	}
}

func TestWorkerPool_Concurrent(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	const goroutines, perGoroutine = 10, 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs := make([]Job, perGoroutine)
			for i := range jobs {
				jobs[i] = func(int) error { counter.Add(1); return nil }
			}
			if err := pool.ExecuteAll(jobs); err != nil {
				t.Errorf("ExecuteAll: %v", err)
			}
		}()
	}
	wg.Wait()

	if want := int64(goroutines * perGoroutine); counter.Load() != want {
		t.Errorf("counter = %d, want %d", counter.Load(), want)
	}
}

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var slow, fast atomic.Int64
	jobs := make([]Job, 100)
	for i := range jobs {
		if i%10 == 0 {
			jobs[i] = func(int) error {
				time.Sleep(5 * time.Millisecond)
				slow.Add(1)
				return nil
			}
		} else {
			jobs[i] = func(int) error { fast.Add(1); return nil }
		}
	}

	if err := pool.ExecuteAll(jobs); err != nil {
		t.Fatal(err)
	}
	if slow.Load() != 10 || fast.Load() != 90 {
		t.Errorf("slow = %d, fast = %d, want 10 and 90", slow.Load(), fast.Load())
	}
}

func TestWorkerPool_NoGoroutineLeak(t *testing.T) {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	for range 5 {
		pool := NewWorkerPool(4)
		jobs := make([]Job, 100)
		for j := range jobs {
			jobs[j] = func(int) error { return nil }
		}
		_ = pool.ExecuteAll(jobs)
		pool.Close()
	}

	runtime.GC()
	time.Sleep(100 * time.Millisecond)

	if final := runtime.NumGoroutine(); final > baseline+2 {
		t.Errorf("goroutine count: baseline=%d, final=%d (leak detected)", baseline, final)
	}
}
