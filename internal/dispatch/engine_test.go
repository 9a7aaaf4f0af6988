package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockSender implements Sender for testing
type mockSender struct {
	mu       sync.Mutex
	sendFunc func(msg *Message) error
	attempts map[string]int
	times    []time.Time
}

func newMockSender(sendFunc func(msg *Message) error) *mockSender {
	return &mockSender{sendFunc: sendFunc, attempts: make(map[string]int)}
}

func (m *mockSender) Send(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	m.attempts[msg.To]++
	m.times = append(m.times, time.Now())
	m.mu.Unlock()

	if m.sendFunc != nil {
		return m.sendFunc(msg)
	}
	return nil
}

func (m *mockSender) attemptCount(to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[to]
}

func makeMessages(n int) []*Message {
	msgs := make([]*Message, n)
	for i := range msgs {
		msgs[i] = &Message{
			ID:      fmt.Sprintf("msg-%d", i),
			To:      fmt.Sprintf("user%d@example.com", i),
			Subject: "Hello",
			HTML:    "<p>Hello</p>",
		}
	}
	return msgs
}

func TestRunAllSucceed(t *testing.T) {
	sender := newMockSender(nil)
	engine := NewEngine(sender, Config{PacingInterval: time.Millisecond}, nil)

	msgs := makeMessages(5)

	var progress [][2]int
	summary := engine.Run(context.Background(), msgs, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})

	if summary.Sent != 5 || summary.Failed != 0 {
		t.Errorf("sent=%d failed=%d, want 5/0", summary.Sent, summary.Failed)
	}
	if summary.Cancelled {
		t.Error("run should not be cancelled")
	}
	if len(summary.Results) != len(msgs) {
		t.Fatalf("results length %d, want %d", len(summary.Results), len(msgs))
	}

	// Results follow input order.
	for i, res := range summary.Results {
		if res.Email != msgs[i].To {
			t.Errorf("result %d for %s, want %s", i, res.Email, msgs[i].To)
		}
		if !res.Success || res.Attempts != 1 {
			t.Errorf("result %d success=%v attempts=%d", i, res.Success, res.Attempts)
		}
	}

	// Progress is monotonically non-decreasing and reaches total exactly once.
	reachedTotal := 0
	for i, p := range progress {
		if p[1] != 5 {
			t.Errorf("progress %d total=%d, want 5", i, p[1])
		}
		if i > 0 && p[0] < progress[i-1][0] {
			t.Errorf("progress not monotonic: %v", progress)
		}
		if p[0] == 5 {
			reachedTotal++
		}
	}
	if reachedTotal != 1 {
		t.Errorf("progress reached total %d times, want exactly once", reachedTotal)
	}
}

func TestRunPacingDelay(t *testing.T) {
	sender := newMockSender(nil)
	pacing := 50 * time.Millisecond
	engine := NewEngine(sender, Config{PacingInterval: pacing}, nil)

	msgs := makeMessages(4)

	start := time.Now()
	summary := engine.Run(context.Background(), msgs, nil)
	elapsed := time.Since(start)

	if summary.Sent != 4 {
		t.Fatalf("sent=%d, want 4", summary.Sent)
	}

	// (N-1) pacing delays; no delay after the final message.
	min := time.Duration(len(msgs)-1) * pacing
	if elapsed < min {
		t.Errorf("run took %v, want at least %v", elapsed, min)
	}
	if elapsed > min+4*pacing {
		t.Errorf("run took %v, expected roughly %v", elapsed, min)
	}
}

func TestPacingDerivedFromRate(t *testing.T) {
	engine := NewEngine(newMockSender(nil), Config{RatePerHour: 300}, nil)
	if got := engine.Pacing(); got != 12*time.Second {
		t.Errorf("Pacing() = %v, want 12s for 300/hour", got)
	}

	engine = NewEngine(newMockSender(nil), Config{RatePerHour: 3600}, nil)
	if got := engine.Pacing(); got != time.Second {
		t.Errorf("Pacing() = %v, want 1s for 3600/hour", got)
	}
}

func TestRunRetriesWithBackoff(t *testing.T) {
	sender := newMockSender(func(msg *Message) error {
		return errors.New("451 try again later")
	})
	base := 10 * time.Millisecond
	engine := NewEngine(sender, Config{
		PacingInterval: time.Millisecond,
		BackoffBase:    base,
	}, nil)

	msgs := makeMessages(1)

	start := time.Now()
	summary := engine.Run(context.Background(), msgs, nil)
	elapsed := time.Since(start)

	// Exactly 3 attempts, then a failed outcome.
	if got := sender.attemptCount(msgs[0].To); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if summary.Failed != 1 || summary.Sent != 0 {
		t.Errorf("sent=%d failed=%d, want 0/1", summary.Sent, summary.Failed)
	}

	res := summary.Results[0]
	if res.Success {
		t.Error("outcome should be a failure")
	}
	if res.Error != "451 try again later" {
		t.Errorf("outcome error %q, want last transport error", res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("outcome attempts = %d, want 3", res.Attempts)
	}

	// Backoff delays of 2x then 4x base between the attempts.
	min := 6 * base
	if elapsed < min {
		t.Errorf("run took %v, want at least %v of backoff", elapsed, min)
	}
}

func TestRunProceedsPastPermanentFailure(t *testing.T) {
	bad := "user2@example.com"
	sender := newMockSender(func(msg *Message) error {
		if msg.To == bad {
			return errors.New("550 mailbox unavailable")
		}
		return nil
	})
	engine := NewEngine(sender, Config{
		PacingInterval: time.Millisecond,
		BackoffBase:    time.Millisecond,
	}, nil)

	msgs := makeMessages(5)
	summary := engine.Run(context.Background(), msgs, nil)

	if summary.Sent != 4 || summary.Failed != 1 {
		t.Errorf("sent=%d failed=%d, want 4/1", summary.Sent, summary.Failed)
	}
	if len(summary.Results) != 5 {
		t.Fatalf("results length %d, want 5", len(summary.Results))
	}

	for _, res := range summary.Results {
		if res.Email == bad {
			if res.Success {
				t.Error("failing recipient recorded as success")
			}
			if res.Error == "" {
				t.Error("failed outcome should carry the error text")
			}
		} else if !res.Success {
			t.Errorf("recipient %s should have succeeded", res.Email)
		}
	}

	// The failing recipient was retried; the engine still reached everyone.
	if got := sender.attemptCount(bad); got != 3 {
		t.Errorf("failing recipient attempted %d times, want 3", got)
	}
}

func TestRunCancelledMidway(t *testing.T) {
	sender := newMockSender(nil)
	engine := NewEngine(sender, Config{PacingInterval: 20 * time.Millisecond}, nil)

	msgs := makeMessages(10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	summary := engine.Run(ctx, msgs, nil)

	if !summary.Cancelled {
		t.Fatal("summary should be marked cancelled")
	}
	done := summary.Sent + summary.Failed
	if done == 0 || done == len(msgs) {
		t.Errorf("expected a partial run, got %d of %d", done, len(msgs))
	}
	if len(summary.Results) != done {
		t.Errorf("results length %d, want %d", len(summary.Results), done)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	sender := newMockSender(func(msg *Message) error {
		return errors.New("connection reset")
	})
	engine := NewEngine(sender, Config{
		PacingInterval: time.Millisecond,
		BackoffBase:    time.Hour, // would block forever without cancellation
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan *Summary, 1)
	go func() {
		done <- engine.Run(ctx, makeMessages(2), nil)
	}()

	select {
	case summary := <-done:
		if !summary.Cancelled {
			t.Error("summary should be marked cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
}

func TestRunEmptyQueue(t *testing.T) {
	engine := NewEngine(newMockSender(nil), Config{}, nil)
	summary := engine.Run(context.Background(), nil, nil)

	if summary.Sent != 0 || summary.Failed != 0 || len(summary.Results) != 0 {
		t.Errorf("empty queue summary: %+v", summary)
	}
}
