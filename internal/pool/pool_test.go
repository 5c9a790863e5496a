package pool

import (
	"testing"

	"github.com/kandev/taskforge/internal/types"
)

func newBareSandbox(id string) *Sandbox {
	return &Sandbox{Record: &types.SandboxRecord{ID: id, PoolStatus: types.PoolReady}}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`{"a":"it's"}`)
	want := `'{"a":"it'\''s"}'`
	if got != want {
		t.Errorf("shellQuote() = %q, want %q", got, want)
	}
}

func TestNewSandboxIDUnique(t *testing.T) {
	a := newSandboxID()
	b := newSandboxID()
	if a == b {
		t.Errorf("expected distinct sandbox IDs, got %q twice", a)
	}
	if a == "" {
		t.Error("expected non-empty sandbox ID")
	}
}

func TestPopWarmReturnsNilWhenEmpty(t *testing.T) {
	p := &Pool{inUse: make(map[string]*Sandbox)}
	if sb := p.popWarm(); sb != nil {
		t.Errorf("popWarm() on empty pool = %v, want nil", sb)
	}
}

func TestPopWarmDrainsInLIFOOrder(t *testing.T) {
	p := &Pool{inUse: make(map[string]*Sandbox)}
	p.warm = []*Sandbox{newBareSandbox("a"), newBareSandbox("b"), newBareSandbox("c")}

	for _, want := range []string{"c", "b", "a"} {
		sb := p.popWarm()
		if sb == nil || sb.Record.ID != want {
			t.Fatalf("popWarm() = %v, want sandbox %q", sb, want)
		}
	}
	if sb := p.popWarm(); sb != nil {
		t.Errorf("popWarm() after drain = %v, want nil", sb)
	}
}

func TestStatsCountsBothSets(t *testing.T) {
	p := &Pool{inUse: make(map[string]*Sandbox)}
	p.cfg.MaxSize = 10
	p.warm = []*Sandbox{newBareSandbox("w1"), newBareSandbox("w2")}
	p.inUse["u1"] = newBareSandbox("u1")

	stats := p.Stats()
	if stats.Warm != 2 || stats.InUse != 1 || stats.MaxSize != 10 {
		t.Errorf("Stats() = %+v, want {Warm:2 InUse:1 MaxSize:10}", stats)
	}
}
