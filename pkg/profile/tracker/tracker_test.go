package tracker

import (
	"testing"
	"time"
)

func newManagerWithClock(messageLimit int, timeLimit time.Duration) (*Manager, *time.Time) {
	m := New(messageLimit, timeLimit)
	clock := time.Now()
	m.now = func() time.Time { return clock }
	return m, &clock
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func TestTriggerOnMessageCount(t *testing.T) {
	m, _ := newManagerWithClock(3, 60*time.Second)
	m.MarkUpdate("u1")
	m.MarkUpdate("u1")
	m.MarkUpdate("u1")
	got := m.TakeUsersToUpdate()
	if !contains(got, "u1") {
		t.Fatalf("expected u1 to fire after 3 marks, got %v", got)
	}
}

func TestTriggerOnElapsedTime(t *testing.T) {
	m, clock := newManagerWithClock(3, 60*time.Second)
	m.MarkUpdate("u1")
	m.MarkUpdate("u1")
	*clock = clock.Add(61 * time.Second)
	got := m.TakeUsersToUpdate()
	if !contains(got, "u1") {
		t.Fatalf("expected u1 to fire after time limit, got %v", got)
	}
}

func TestNoTriggerBeforeEitherThreshold(t *testing.T) {
	m, clock := newManagerWithClock(3, 60*time.Second)
	m.MarkUpdate("u1")
	m.MarkUpdate("u1")
	*clock = clock.Add(10 * time.Second)
	got := m.TakeUsersToUpdate()
	if contains(got, "u1") {
		t.Fatalf("expected u1 not to fire yet, got %v", got)
	}
}

func TestZeroMessageDrainNeverFires(t *testing.T) {
	m, clock := newManagerWithClock(3, 60*time.Second)
	*clock = clock.Add(1000 * time.Second)
	got := m.TakeUsersToUpdate()
	if len(got) != 0 {
		t.Fatalf("expected no users to fire with zero marks, got %v", got)
	}
}

func TestDrainResetsUser(t *testing.T) {
	m, _ := newManagerWithClock(1, 60*time.Second)
	m.MarkUpdate("u1")
	first := m.TakeUsersToUpdate()
	if !contains(first, "u1") {
		t.Fatalf("expected u1 to fire, got %v", first)
	}
	second := m.TakeUsersToUpdate()
	if len(second) != 0 {
		t.Fatalf("expected u1 to be idle after drain, got %v", second)
	}
}

func TestMarkUpdateConcurrent(t *testing.T) {
	m := New(1000, time.Hour)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			m.MarkUpdate("u1")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	m.mu.Lock()
	count := m.users["u1"].count
	m.mu.Unlock()
	if count != 50 {
		t.Fatalf("expected count 50, got %d", count)
	}
}
