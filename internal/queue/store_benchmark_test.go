package queue

import (
	"strconv"
	"testing"
	"time"
)

func BenchmarkEnqueue(b *testing.B) {
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	s := NewStore(Config{
		Clock: func() time.Time { return now },
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		env := testEnvelope("env-"+strconv.Itoa(i), "alice", "bob", now)
		if _, err := s.Enqueue(env); err != nil {
			b.Fatalf("enqueue failed at i=%d: %v", i, err)
		}
	}
}

func BenchmarkClaimMarkDone(b *testing.B) {
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	s := NewStore(Config{
		Clock: func() time.Time { return now },
	})
	for i := 0; i < b.N; i++ {
		env := testEnvelope("env-"+strconv.Itoa(i), "alice", "bob", now)
		if _, err := s.Enqueue(env); err != nil {
			b.Fatalf("enqueue failed at i=%d: %v", i, err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, err := s.ClaimNext("w1", ClaimFilter{})
		if err != nil || e == nil {
			b.Fatalf("claim failed at i=%d: %+v %v", i, e, err)
		}
		if err := s.MarkProcessing(e.ID(), "w1"); err != nil {
			b.Fatalf("mark processing at i=%d: %v", i, err)
		}
		if err := s.MarkDone(e.ID(), "w1"); err != nil {
			b.Fatalf("mark done at i=%d: %v", i, err)
		}
	}
}
