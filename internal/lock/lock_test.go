package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_SerializesSameKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("state/q.pending.yaml")
			counter++
			m.Unlock("state/q.pending.yaml")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestMutexMap_DifferentKeysIndependent(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("pending")
	go func() {
		m.Lock("started")
		m.Unlock("started")
		close(done)
	}()
	<-done
	m.Unlock("pending")
}

func TestFileLock_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	pid, err := HolderPID(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("HolderPID = %d, %v; want %d", pid, err, os.Getpid())
	}

	fl2 := NewFileLock(path)
	err = fl2.TryLock()
	if !errors.Is(err, ErrLocked) {
		fl2.Unlock()
		t.Fatalf("second TryLock err = %v, want ErrLocked", err)
	}
}

func TestFileLock_RelockAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on unlock")
	}

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock failed: %v", err)
	}
	fl2.Unlock()
}
