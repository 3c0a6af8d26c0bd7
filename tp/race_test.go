package tp

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestRace_Send_Receive(t *testing.T) {
	// This test is designed to be run with `go test -race`.
	// Two goroutines share one sending session while the peer drains it and
	// a third goroutine polls the counters.
	tolerant := func(c *Config) {
		withFlowControl(0, 0, 50)(c)
		c.TimeoutN_Br = 5 * time.Millisecond
	}
	_, tx, rx := openPair(t, tolerant, tolerant)

	const perSender = 50
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				// Random multi-frame payload, paced by flow control
				data := make([]byte, rand.Intn(60)+8)
				if err := tx.Send(ctx, data); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
			}
		}()
	}

	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopCh:
				return
			default:
				_ = tx.Statistics().Snapshot()
				_ = rx.Statistics().Snapshot()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	defer close(stopCh)

	received := make(chan int, 1)
	go func() {
		n := 0
		for ; n < 2*perSender; n++ {
			if _, err := rx.Receive(ctx); err != nil {
				errs <- err
				break
			}
		}
		received <- n
	}()

	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	case n := <-received:
		if n != 2*perSender {
			t.Fatalf("Expected %d messages, got %d", 2*perSender, n)
		}
	}
	if got := tx.Statistics().GetTxMessages(); got != 2*perSender {
		t.Errorf("Expected %d sent messages, got %d", 2*perSender, got)
	}
}
