// Package hasher is the Hasher Pool: a fixed-size worker pool that computes
// SHA-256 digests of running executables from their /proc/<pid>/exe
// descriptor, verifying the descriptor's (device, inode) still matches the
// identity the caller expects before trusting the bytes read. Job
// coalescing — at most one hash in flight per executable identity, with
// other callers joining the same result — generalizes
// network.DNSRequestCache's correlation pattern (many lookups, one in-flight
// computation) from DNS transaction IDs to executable identities.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/snitchd/snitchd/procfs"
	"github.com/snitchd/snitchd/types"
)

// Result is the outcome of hashing one executable identity.
type Result struct {
	Hash string
	Kind types.HashErrorKind // HashErrNone on success
}

type job struct {
	done   chan struct{}
	result Result
}

// Pool computes executable hashes with bounded concurrency and per-identity
// coalescing.
type Pool struct {
	sem     chan struct{}
	timeout time.Duration

	mu       sync.Mutex
	inflight map[types.ExeId]*job
}

// New builds a pool with workers concurrent hash computations and a
// per-attempt timeout after which HashErrTimeout is reported.
func New(workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		sem:      make(chan struct{}, workers),
		timeout:  timeout,
		inflight: make(map[types.ExeId]*job),
	}
}

// Hash computes (or joins an in-flight computation of) the SHA-256 digest of
// the executable backing pid, verifying it is still the executable
// identified by expected. Coalescing is keyed on expected, not pid, so two
// different processes sharing one on-disk binary join the same computation.
func (p *Pool) Hash(ctx context.Context, pid uint32, expected types.ExeId) Result {
	p.mu.Lock()
	if j, ok := p.inflight[expected]; ok {
		p.mu.Unlock()
		<-j.done
		return j.result
	}
	j := &job{done: make(chan struct{})}
	p.inflight[expected] = j
	p.mu.Unlock()

	j.result = p.compute(ctx, pid, expected)

	p.mu.Lock()
	delete(p.inflight, expected)
	p.mu.Unlock()
	close(j.done)
	return j.result
}

func (p *Pool) compute(ctx context.Context, pid uint32, expected types.ExeId) Result {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Kind: types.HashErrTimeout}
	}
	defer func() { <-p.sem }()

	res := p.attempt(ctx, pid, expected)
	if res.Kind == types.HashErrExeReplaced {
		time.Sleep(1 * time.Millisecond)
		res = p.attempt(ctx, pid, expected)
	}
	return res
}

func (p *Pool) attempt(ctx context.Context, pid uint32, expected types.ExeId) Result {
	deadline := time.Now().Add(p.timeout)
	if p.timeout <= 0 {
		deadline = time.Time{}
	}

	f, path, id, err := procfs.OpenExe(pid)
	if err != nil {
		return Result{Kind: classifyOpenErr(err)}
	}
	defer f.Close()
	_ = path

	if id != expected {
		return Result{Kind: types.HashErrExeReplaced}
	}

	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Result{Kind: types.HashErrTimeout}
		}
		select {
		case <-ctx.Done():
			return Result{Kind: types.HashErrTimeout}
		default:
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{Kind: classifyOpenErr(rerr)}
		}
	}

	fi, err := f.Stat()
	if err != nil {
		return Result{Kind: classifyOpenErr(err)}
	}
	finalID, err := procfs.StatExeId(pid)
	if err == nil && finalID != expected {
		return Result{Kind: types.HashErrExeReplaced}
	}
	_ = fi

	return Result{Hash: hex.EncodeToString(h.Sum(nil)), Kind: types.HashErrNone}
}

func classifyOpenErr(err error) types.HashErrorKind {
	switch {
	case os.IsNotExist(err):
		return types.HashErrVanishedProcess
	case os.IsPermission(err):
		return types.HashErrPermissionDenied
	default:
		return types.HashErrIoError
	}
}
