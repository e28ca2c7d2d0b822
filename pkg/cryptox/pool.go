package cryptox

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many CPU-heavy password operations run at once. Callers
// beyond the limit wait for a slot or for their context to end, which keeps a
// burst of logins from starving the rest of the process.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool returns a pool with size slots; size <= 0 means GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn once a slot is free. It returns ctx.Err() if the context ends
// while waiting; fn itself is never interrupted.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Hash hashes password with h inside the pool.
func (p *Pool) Hash(ctx context.Context, h Hasher, password string) (string, error) {
	var digest string
	err := p.Do(ctx, func() error {
		var err error
		digest, err = h.Hash(password)
		return err
	})
	return digest, err
}

// Verify checks password against digest with h inside the pool.
func (p *Pool) Verify(ctx context.Context, h Hasher, password, digest string) (bool, error) {
	var ok bool
	err := p.Do(ctx, func() error {
		var err error
		ok, err = h.Verify(password, digest)
		return err
	})
	return ok, err
}
