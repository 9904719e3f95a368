package packet

import "testing"

func TestProcessOrderRespectsPriority(t *testing.T) {
	p := New(nil)
	var order []int

	reg := func(priority int) {
		pr := priority
		_, err := p.Register(pr, func(buf *Buffer, ctx *Context, userData interface{}) Verdict {
			order = append(order, pr)
			return Forward
		}, nil)
		if err != nil {
			t.Fatalf("Register(%d): %v", pr, err)
		}
	}
	reg(10)
	reg(1)
	reg(5)

	buf, _ := Allocate(64)
	p.Inject(buf)

	want := []int{1, 5, 10}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDropStopsProcessing(t *testing.T) {
	p := New(nil)
	called := false
	p.Register(0, func(buf *Buffer, ctx *Context, userData interface{}) Verdict { return Drop }, nil)
	p.Register(1, func(buf *Buffer, ctx *Context, userData interface{}) Verdict {
		called = true
		return Forward
	}, nil)

	buf, _ := Allocate(64)
	p.Inject(buf)

	if called {
		t.Fatalf("processor after Drop should not run")
	}
	if p.DropCount() != 1 {
		t.Fatalf("DropCount = %d, want 1", p.DropCount())
	}
}

func TestRecirculationDepthBound(t *testing.T) {
	p := New(nil)
	iterations := 0
	p.Register(0, func(buf *Buffer, ctx *Context, userData interface{}) Verdict {
		iterations++
		return Recirculate
	}, nil)

	buf, _ := Allocate(64)
	p.Inject(buf)

	if iterations != MaxRecirculationDepth+1 {
		t.Fatalf("iterations = %d, want %d", iterations, MaxRecirculationDepth+1)
	}
	if p.RecirculateDrops() != 1 {
		t.Fatalf("RecirculateDrops = %d, want 1", p.RecirculateDrops())
	}
}

func TestUnregisterRemovesProcessor(t *testing.T) {
	p := New(nil)
	called := false
	h, _ := p.Register(0, func(buf *Buffer, ctx *Context, userData interface{}) Verdict {
		called = true
		return Forward
	}, nil)

	if err := p.Unregister(h); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := p.Unregister(h); err == nil {
		t.Fatalf("expected second Unregister to fail")
	}

	buf, _ := Allocate(64)
	p.Inject(buf)
	if called {
		t.Fatalf("unregistered processor should not run")
	}
}

func TestRegisterRejectsPastMax(t *testing.T) {
	p := New(nil)
	for i := 0; i < MaxProcessors; i++ {
		if _, err := p.Register(i, func(buf *Buffer, ctx *Context, userData interface{}) Verdict { return Forward }, nil); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	if _, err := p.Register(MaxProcessors, func(buf *Buffer, ctx *Context, userData interface{}) Verdict { return Forward }, nil); err == nil {
		t.Fatalf("expected registration past MaxProcessors to fail")
	}
}
