package revocation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/store/fsstore"
)

func validEvent(op string) Event {
	ev := Event{Version: 1, Op: op, TS: time.Now(), Source: "distribution"}
	switch op {
	case OpRevoke:
		ev.PackageID = "ENR-A1-2403"
	case OpSupersede:
		ev.ChartID = "ENR-A1"
		ev.Cycle = "2403"
	}
	return ev
}

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
		ok     bool
	}{
		{"revoke package", func(e *Event) {}, true},
		{"revoke chart", func(e *Event) { e.PackageID = ""; e.ChartID = "ENR-A1" }, true},
		{"revoke chart cycle", func(e *Event) { e.PackageID = ""; e.ChartID = "ENR-A1"; e.Cycle = "2402" }, true},
		{"wrong version", func(e *Event) { e.Version = 2 }, false},
		{"unknown op", func(e *Event) { e.Op = "expire" }, false},
		{"missing ts", func(e *Event) { e.TS = time.Time{} }, false},
		{"revoke without target", func(e *Event) { e.PackageID = "" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent(OpRevoke)
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("err = %v, want ErrInvalid", err)
				}
			}
		})
	}

	t.Run("supersede", func(t *testing.T) {
		if err := validEvent(OpSupersede).Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		ev := validEvent(OpSupersede)
		ev.Cycle = ""
		if err := ev.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("supersede without cycle: %v", err)
		}
		ev = validEvent(OpSupersede)
		ev.ChartID = ""
		if err := ev.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("supersede without chart: %v", err)
		}
	})
}

func newApplier(t *testing.T) (*Applier, *store.Store, *catalog.Catalog) {
	t.Helper()
	b, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	st := store.New(b, 1024)
	cat := catalog.New(st, zerolog.Nop(), time.Minute)
	return NewApplier(cat, zerolog.Nop()), st, cat
}

func seed(t *testing.T, st *store.Store, id, chart, cycle string) {
	t.Helper()
	meta := store.Metadata{ID: id, Chart: chart, Cycle: cycle}
	if _, err := st.Put(context.Background(), meta, bytes.NewReader([]byte("payload-"+id))); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
}

func ids(t *testing.T, cat *catalog.Catalog) []string {
	t.Helper()
	cat.Invalidate()
	entries, err := cat.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestApplyRevokesPackage(t *testing.T) {
	a, st, cat := newApplier(t)
	seed(t, st, "ENR-A1-2403", "ENR-A1", "2403")
	seed(t, st, "TMA-SP-2403", "TMA-SP", "2403")

	ev := validEvent(OpRevoke)
	if err := a.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := ids(t, cat); len(got) != 1 || got[0] != "TMA-SP-2403" {
		t.Fatalf("left = %v", got)
	}

	// a second delivery of the same notice is harmless
	if err := a.Apply(context.Background(), ev); err != nil {
		t.Fatalf("repeat Apply: %v", err)
	}
}

func TestApplyRevokesChartByCycle(t *testing.T) {
	a, st, cat := newApplier(t)
	seed(t, st, "ENR-A1-2402", "ENR-A1", "2402")
	seed(t, st, "ENR-A1-2403", "ENR-A1", "2403")

	ev := Event{Version: 1, Op: OpRevoke, ChartID: "ENR-A1", Cycle: "2402", TS: time.Now()}
	if err := a.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := ids(t, cat); len(got) != 1 || got[0] != "ENR-A1-2403" {
		t.Fatalf("left = %v", got)
	}
}

func TestApplySupersedeKeepsCurrentCycle(t *testing.T) {
	a, st, cat := newApplier(t)
	seed(t, st, "ENR-A1-2401", "ENR-A1", "2401")
	seed(t, st, "ENR-A1-2402", "ENR-A1", "2402")
	seed(t, st, "ENR-A1-2403", "ENR-A1", "2403")
	seed(t, st, "TMA-SP-2401", "TMA-SP", "2401")

	ev := validEvent(OpSupersede)
	if err := a.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := ids(t, cat)
	if len(got) != 2 || got[0] != "ENR-A1-2403" || got[1] != "TMA-SP-2401" {
		t.Fatalf("left = %v", got)
	}
}

func TestApplyRejectsInvalidEvent(t *testing.T) {
	a, st, cat := newApplier(t)
	seed(t, st, "ENR-A1-2403", "ENR-A1", "2403")

	ev := validEvent(OpRevoke)
	ev.Version = 7
	if err := a.Apply(context.Background(), ev); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if got := ids(t, cat); len(got) != 1 {
		t.Fatalf("invalid event touched the store: %v", got)
	}
}
