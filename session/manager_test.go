package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func sequentialKeys(keys ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		if i >= len(keys) {
			return "", fmt.Errorf("out of keys")
		}
		k := keys[i]
		i++
		return k, nil
	}
}

func newTestManager(opts ManagerOptions) (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	opts.Clock = mock
	return NewManager(opts, nil), mock
}

func TestCreateJoinStatus(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ManagerOptions{Keys: sequentialKeys("ABC123")})

	created, err := m.Create(ctx, "en")
	if err != nil {
		t.Fatal(err)
	}
	if created.Key != "ABC123" || created.Ready() {
		t.Fatalf("created = %+v", created)
	}

	status, err := m.Status("ABC123")
	if err != nil {
		t.Fatal(err)
	}
	if status.Ready() || status.PartnerLanguage("en") != "" {
		t.Errorf("status before join = %+v", status)
	}

	joined, err := m.Join(ctx, "ABC123", "es")
	if err != nil {
		t.Fatal(err)
	}
	if !joined.Ready() || joined.PartnerLanguage("es") != "en" {
		t.Errorf("joined = %+v", joined)
	}

	status, _ = m.Status("ABC123")
	if got := status.PartnerLanguage("en"); got != "es" {
		t.Errorf("partner of en = %q, want es", got)
	}

	if _, err := m.Join(ctx, "ABC123", "fr"); !errors.Is(err, ErrSessionFull) {
		t.Errorf("third join error = %v, want ErrSessionFull", err)
	}
	if _, err := m.Join(ctx, "NOPE", "fr"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown join error = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Status("NOPE"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown status error = %v, want ErrSessionNotFound", err)
	}
}

func TestPartnerLanguageSameLanguage(t *testing.T) {
	p := &Pairing{Languages: []string{"en", "en"}}
	if got := p.PartnerLanguage("en"); got != "en" {
		t.Errorf("PartnerLanguage = %q, want en", got)
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ManagerOptions{Keys: sequentialKeys("K1")})

	created, _ := m.Create(ctx, "en")
	created.Languages[0] = "xx"

	status, _ := m.Status("K1")
	if status.Languages[0] != "en" {
		t.Errorf("stored language mutated through snapshot: %v", status.Languages)
	}
}

func TestCreateLimits(t *testing.T) {
	ctx := context.Background()

	m, _ := newTestManager(ManagerOptions{MaxSessions: 1, Keys: sequentialKeys("K1", "K2")})
	if _, err := m.Create(ctx, "en"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "en"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("error = %v, want ErrTooManySessions", err)
	}

	dup := func() (string, error) { return "SAME", nil }
	m, _ = newTestManager(ManagerOptions{Keys: dup})
	if _, err := m.Create(ctx, "en"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "en"); !errors.Is(err, ErrKeyCollision) {
		t.Errorf("error = %v, want ErrKeyCollision", err)
	}
}

func TestCleanupInactiveSessions(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestManager(ManagerOptions{SessionTimeout: 30 * time.Minute, Keys: sequentialKeys("OLD", "NEW")})

	m.Create(ctx, "en")
	mock.Add(20 * time.Minute)
	m.Create(ctx, "fr")
	mock.Add(15 * time.Minute)

	if n := m.CleanupInactiveSessions(ctx); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := m.Status("OLD"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("OLD still present: %v", err)
	}
	if _, err := m.Status("NEW"); err != nil {
		t.Errorf("NEW removed: %v", err)
	}
}

func TestCleanupRoutineRunsEveryMinute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, mock := newTestManager(ManagerOptions{SessionTimeout: time.Minute, Keys: sequentialKeys("K1")})
	m.Create(ctx, "en")

	done := make(chan struct{})
	go func() {
		m.StartCleanupRoutine(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Count() != 0 && time.Now().Before(deadline) {
		mock.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}
	if m.Count() != 0 {
		t.Fatal("idle session not cleaned up")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup routine did not stop")
	}
}

func TestFrameStoreInMemory(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(ManagerOptions{Keys: sequentialKeys("K1")})

	if _, ok := m.LatestFrame(ctx, "K1"); ok {
		t.Fatal("frame before store")
	}
	if err := m.StoreFrame(ctx, "K1", "data:image/jpeg;base64,AAAA"); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreFrame(ctx, "K1", "data:image/jpeg;base64,BBBB"); err != nil {
		t.Fatal(err)
	}
	if frame, ok := m.LatestFrame(ctx, "K1"); !ok || frame != "data:image/jpeg;base64,BBBB" {
		t.Errorf("LatestFrame = %q, %v", frame, ok)
	}
}

func TestRestoreWithoutRedis(t *testing.T) {
	m, _ := newTestManager(ManagerOptions{})
	n, err := m.Restore(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Restore = %d, %v", n, err)
	}
}
