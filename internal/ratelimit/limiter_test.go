package ratelimit

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func bigLimits() Limits {
	return Limits{
		RequestsPerSecond:  1000,
		RequestsPerMinute:  60000,
		RequestsPerHour:    3600000,
		ConcurrentRequests: 1000,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheck_PerSecondWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	client := Limits{RequestsPerSecond: 2, RequestsPerMinute: 100, RequestsPerHour: 1000, ConcurrentRequests: 10}
	l := New(bigLimits(), client, discardLogger(), WithClock(clock.Now))
	clientID := uuid.New()

	want := []bool{true, true, false}
	for i, w := range want {
		d := l.Check(clientID)
		if d.Admitted != w {
			t.Fatalf("call %d: Admitted = %v, want %v", i, d.Admitted, w)
		}
	}

	d := l.Check(clientID)
	if d.Violated != LimitRequestsPerSecond {
		t.Errorf("Violated = %q, want %q", d.Violated, LimitRequestsPerSecond)
	}
	if d.Limit != 2 {
		t.Errorf("Limit = %d, want 2", d.Limit)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want in (0, 1s]", d.RetryAfter)
	}
}

func TestCheck_WindowResets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	client := Limits{RequestsPerSecond: 1, RequestsPerMinute: 100, RequestsPerHour: 1000, ConcurrentRequests: 10}
	l := New(bigLimits(), client, discardLogger(), WithClock(clock.Now))
	clientID := uuid.New()

	if d := l.Check(clientID); !d.Admitted {
		t.Fatal("first call should be admitted")
	}
	if d := l.Check(clientID); d.Admitted {
		t.Fatal("second call within the window should be rejected")
	}

	clock.Advance(time.Second)

	if d := l.Check(clientID); !d.Admitted {
		t.Fatal("call after window elapsed should be admitted")
	}
}

func TestCheck_RejectionDoesNotIncrement(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	client := Limits{RequestsPerSecond: 1, RequestsPerMinute: 100, RequestsPerHour: 1000, ConcurrentRequests: 10}
	l := New(bigLimits(), client, discardLogger(), WithClock(clock.Now))
	clientID := uuid.New()

	l.Check(clientID)
	l.Check(clientID) // rejected
	l.Check(clientID) // rejected

	st := l.ClientStatus(clientID)
	if st.RequestsPerSecond != 1 {
		t.Errorf("RequestsPerSecond = %d, want 1 (rejections must not count)", st.RequestsPerSecond)
	}
	if st.ConcurrentRequests != 1 {
		t.Errorf("ConcurrentRequests = %d, want 1", st.ConcurrentRequests)
	}
}

func TestRecordCompletion_ConcurrentReturnsToZero(t *testing.T) {
	l := New(bigLimits(), bigLimits(), discardLogger())
	clientID := uuid.New()

	const n = 50
	for i := 0; i < n; i++ {
		if d := l.Check(clientID); !d.Admitted {
			t.Fatalf("call %d unexpectedly rejected: %+v", i, d)
		}
	}
	for i := 0; i < n; i++ {
		l.RecordCompletion(clientID)
	}

	if st := l.ClientStatus(clientID); st.ConcurrentRequests != 0 {
		t.Errorf("client concurrent = %d, want 0", st.ConcurrentRequests)
	}
	if st := l.GlobalStatus(); st.ConcurrentRequests != 0 {
		t.Errorf("global concurrent = %d, want 0", st.ConcurrentRequests)
	}
}

func TestRecordCompletion_FloorsAtZero(t *testing.T) {
	l := New(bigLimits(), bigLimits(), discardLogger())
	clientID := uuid.New()

	l.RecordCompletion(clientID)
	l.RecordCompletion(clientID)

	if st := l.ClientStatus(clientID); st.ConcurrentRequests != 0 {
		t.Errorf("concurrent = %d, want 0", st.ConcurrentRequests)
	}
}

func TestCheck_ConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	client := Limits{RequestsPerSecond: 100, RequestsPerMinute: 100, RequestsPerHour: 100, ConcurrentRequests: 100}
	l := New(bigLimits(), client, discardLogger())
	clientID := uuid.New()

	const callers = 300
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Check(clientID); d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted > 100 {
		t.Errorf("admitted = %d, want <= 100 (check and increment must be indivisible)", admitted)
	}
}

func TestCheck_GlobalLimitCheckedFirst(t *testing.T) {
	global := Limits{RequestsPerSecond: 1, RequestsPerMinute: 100, RequestsPerHour: 1000, ConcurrentRequests: 10}
	l := New(global, bigLimits(), discardLogger())

	if d := l.Check(uuid.New()); !d.Admitted {
		t.Fatal("first call should be admitted")
	}
	d := l.Check(uuid.New()) // different client, same global window
	if d.Admitted {
		t.Fatal("global limit should reject the second client")
	}
	if d.Violated != LimitGlobalRequestsPerSecond {
		t.Errorf("Violated = %q, want %q", d.Violated, LimitGlobalRequestsPerSecond)
	}
}

func TestSetClientLimits(t *testing.T) {
	l := New(bigLimits(), bigLimits(), discardLogger())
	clientID := uuid.New()

	l.SetClientLimits(clientID, Limits{RequestsPerSecond: 1, RequestsPerMinute: 1, RequestsPerHour: 1, ConcurrentRequests: 1})

	if d := l.Check(clientID); !d.Admitted {
		t.Fatal("first call should be admitted")
	}
	if d := l.Check(clientID); d.Admitted {
		t.Fatal("override limits should reject the second call")
	}
}

func TestClientStatus_ResetTimes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(bigLimits(), bigLimits(), discardLogger(), WithClock(clock.Now))
	clientID := uuid.New()

	l.Check(clientID)
	st := l.ClientStatus(clientID)

	if got, want := st.SecondReset, clock.Now().Add(time.Second); !got.Equal(want) {
		t.Errorf("SecondReset = %v, want %v", got, want)
	}
	if got, want := st.HourReset, clock.Now().Add(time.Hour); !got.Equal(want) {
		t.Errorf("HourReset = %v, want %v", got, want)
	}
}
