package servinginfo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkilian/arkilian/pkg/types"
)

type fakeLoader struct {
	mu       sync.Mutex
	calls    int32
	fn       func(name string) (*types.ServingInfo, error)
}

func (f *fakeLoader) Load(_ context.Context, name string) (*types.ServingInfo, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(name)
}

func TestGetLoadsOnMissThenCaches(t *testing.T) {
	loader := &fakeLoader{fn: func(name string) (*types.ServingInfo, error) {
		return &types.ServingInfo{Name: name}, nil
	}}
	c := New(loader, time.Minute)

	si, err := c.Get(context.Background(), "foo")
	if err != nil || si.Name != "foo" {
		t.Fatalf("Get = %+v, %v", si, err)
	}
	if _, err := c.Get(context.Background(), "foo"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if atomic.LoadInt32(&loader.calls) != 1 {
		t.Errorf("expected 1 load call, got %d", loader.calls)
	}
}

func TestGetReloadsAfterTTLExpiry(t *testing.T) {
	loader := &fakeLoader{fn: func(name string) (*types.ServingInfo, error) {
		return &types.ServingInfo{Name: name}, nil
	}}
	c := New(loader, time.Millisecond)

	if _, err := c.Get(context.Background(), "foo"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(context.Background(), "foo"); err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if atomic.LoadInt32(&loader.calls) != 2 {
		t.Errorf("expected 2 load calls after TTL expiry, got %d", loader.calls)
	}
}

func TestGetTransientFailureIsNotCached(t *testing.T) {
	attempt := int32(0)
	loader := &fakeLoader{fn: func(name string) (*types.ServingInfo, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return nil, errors.New("transient")
		}
		return &types.ServingInfo{Name: name}, nil
	}}
	c := New(loader, time.Minute)

	if _, err := c.Get(context.Background(), "foo"); err == nil {
		t.Fatal("expected first Get to fail")
	}
	si, err := c.Get(context.Background(), "foo")
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if si.Name != "foo" {
		t.Errorf("si = %+v", si)
	}
}

func TestForceRetainsPreviousValueOnFailure(t *testing.T) {
	attempt := int32(0)
	loader := &fakeLoader{fn: func(name string) (*types.ServingInfo, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return &types.ServingInfo{Name: name, BatchEndMillis: 100}, nil
		}
		return nil, errors.New("reload failed")
	}}
	c := New(loader, time.Minute)

	if _, err := c.Get(context.Background(), "foo"); err != nil {
		t.Fatalf("initial Get: %v", err)
	}

	if _, err := c.Force(context.Background(), "foo"); err == nil {
		t.Fatal("expected Force to fail on second attempt")
	}

	stale, ok := c.StaleValue("foo")
	if !ok || stale.BatchEndMillis != 100 {
		t.Errorf("StaleValue = %+v, %v, want retained previous value", stale, ok)
	}
}

func TestConcurrentGetsCoalesceViaSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	loader := &fakeLoader{fn: func(name string) (*types.ServingInfo, error) {
		close(started)
		<-release
		return &types.ServingInfo{Name: name}, nil
	}}
	c := New(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(context.Background(), "shared")
		}()
	}

	<-started
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&loader.calls) != 1 {
		t.Errorf("expected single-flight to coalesce into 1 load call, got %d", loader.calls)
	}
}
