package hasher

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/snitchd/snitchd/procfs"
	"github.com/snitchd/snitchd/types"
)

func selfID(t *testing.T) types.ExeId {
	t.Helper()
	id, err := procfs.StatExeId(uint32(os.Getpid()))
	if err != nil {
		t.Fatalf("StatExeId(self): %v", err)
	}
	return id
}

func TestHashSelfSucceeds(t *testing.T) {
	pool := New(4, 5*time.Second)
	id := selfID(t)

	res := pool.Hash(context.Background(), uint32(os.Getpid()), id)
	if res.Kind != types.HashErrNone {
		t.Fatalf("expected HashErrNone, got %v", res.Kind)
	}
	if len(res.Hash) != 64 {
		t.Fatalf("expected a 64-char hex sha256, got %q", res.Hash)
	}
}

func TestHashMismatchedIdentityIsExeReplaced(t *testing.T) {
	pool := New(4, 5*time.Second)
	bogus := types.ExeId{Device: 0xdead, Inode: 0xbeef}

	res := pool.Hash(context.Background(), uint32(os.Getpid()), bogus)
	if res.Kind != types.HashErrExeReplaced {
		t.Fatalf("expected HashErrExeReplaced, got %v", res.Kind)
	}
}

func TestHashCoalescesConcurrentCallers(t *testing.T) {
	pool := New(1, 5*time.Second)
	id := selfID(t)
	pid := uint32(os.Getpid())

	const callers = 8
	results := make([]Result, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = pool.Hash(context.Background(), pid, id)
		}()
	}
	wg.Wait()

	for i, res := range results {
		if res.Kind != types.HashErrNone {
			t.Fatalf("caller %d: expected HashErrNone, got %v", i, res.Kind)
		}
		if res.Hash != results[0].Hash {
			t.Fatalf("caller %d hash %q differs from caller 0 hash %q", i, res.Hash, results[0].Hash)
		}
	}
}

func TestHashVanishedProcess(t *testing.T) {
	pool := New(1, 5*time.Second)
	res := pool.Hash(context.Background(), 1<<30, types.ExeId{})
	if res.Kind != types.HashErrVanishedProcess {
		t.Fatalf("expected HashErrVanishedProcess, got %v", res.Kind)
	}
}

// A pool sized to a single worker must not deadlock across many back-to-back
// Hash calls, since each Hash call releases its semaphore slot before
// returning.
func TestPoolSizeOneDoesNotDeadlock(t *testing.T) {
	pool := New(1, 2*time.Second)
	pid := uint32(os.Getpid())
	id := selfID(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			pool.Hash(context.Background(), pid, id)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool with a single worker deadlocked")
	}
}
