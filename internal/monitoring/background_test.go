package monitoring

import (
	"path/filepath"
	"testing"
	"time"

	"pbalanced/internal/catalog"
	"pbalanced/internal/events"
)

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMaybeAlertSuppressesUntilHysteresisWindowElapses(t *testing.T) {
	m := &Monitor{alertStates: make(map[string]*alertState)}

	var published []events.Warning
	hub := events.New()
	defer hub.Close()
	sub := hub.Subscribe()
	m.hub = hub

	m.maybeAlert("disk_utilization:disk1", "warning", "disk1", 92.0)

	select {
	case ev := <-sub.Events():
		published = append(published, ev.Data.(events.Warning))
	case <-time.After(50 * time.Millisecond):
	}
	if len(published) != 0 {
		t.Fatalf("got %d published events before hysteresis window elapsed, want 0", len(published))
	}
}

func TestMaybeAlertFiresAfterHysteresisWindow(t *testing.T) {
	m := &Monitor{alertStates: make(map[string]*alertState)}
	hub := events.New()
	defer hub.Close()
	sub := hub.Subscribe()
	m.hub = hub

	key := "disk_utilization:disk1"
	state := &alertState{isFiring: true, lastLevel: "warning", firingAt: time.Now().Add(-time.Minute)}
	m.alertStates[key] = state

	m.maybeAlert(key, "warning", "disk1", 92.0)

	select {
	case ev := <-sub.Events():
		w, ok := ev.Data.(events.Warning)
		if !ok || w.Text != "disk1" {
			t.Fatalf("unexpected event data: %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a warning event to be published once hysteresis window elapsed")
	}
}

func TestCheckSkipsDisksWithZeroTotal(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.UpsertDisk(catalog.Disk{Name: "disk1", MountPath: "/mnt/disk1", Included: true}); err != nil {
		t.Fatalf("UpsertDisk() error = %v", err)
	}

	probe := func(mountPath string) (int64, int64, int64, error) {
		return 0, 0, 0, nil
	}
	m := New(store, nil, probe, time.Hour)
	m.check() // must not panic despite total=0
}
