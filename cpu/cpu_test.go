package cpu

import (
	"sync"
	"testing"
)

func TestBindAndCurrentPerGoroutine(t *testing.T) {
	harts := Init(2)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			Bind(harts[i])
			if Current() != harts[i] {
				t.Errorf("hart %d: Current() returned the wrong record", i)
			}
		}(i)
	}
	wg.Wait()
}

func TestPushPopOffNesting(t *testing.T) {
	harts := Init(1)
	Bind(harts[0])
	c := Current()

	c.PushOff()
	c.PushOff()
	if c.Noff() != 2 {
		t.Fatalf("Noff = %d, want 2", c.Noff())
	}
	c.PopOff()
	if c.Noff() != 1 {
		t.Fatalf("Noff = %d, want 1", c.Noff())
	}
	c.PopOff()
	if c.Noff() != 0 {
		t.Fatalf("Noff = %d, want 0", c.Noff())
	}
}

func TestPopOffUnderflowPanics(t *testing.T) {
	harts := Init(1)
	Bind(harts[0])
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unmatched PopOff")
		}
	}()
	Current().PopOff()
}

func TestCurrentWithoutBindPanics(t *testing.T) {
	Init(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if recover() == nil {
				t.Error("expected panic calling Current from an unbound goroutine")
			}
		}()
		Current()
	}()
	<-done
}
