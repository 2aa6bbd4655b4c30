package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "backup:database")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := l.TryAcquire(ctx, "backup:database"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	other, err := l.TryAcquire(ctx, "backup:files")
	if err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}
	other()

	release()
	release()
	if l.Held("backup:database") {
		t.Error("expected key to be released")
	}

	again, err := l.TryAcquire(ctx, "backup:database")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again()
}

func TestLocalLockerConcurrent(t *testing.T) {
	l := NewLocalLocker()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryAcquire(context.Background(), "plan:1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
