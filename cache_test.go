package pimp_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/pimp"
	"github.com/google/go-cmp/cmp"
)

func TestRegion(t *testing.T) {
	r := &pimp.Region{Start: 0x1000, Data: make([]byte, 0x10)}
	if r.End() != 0x1010 {
		t.Fatalf("unexpected end: 0x%x", r.End())
	} else if !r.Contains(0x1000) || !r.Contains(0x100f) {
		t.Fatal("expected contains")
	} else if r.Contains(0xfff) || r.Contains(0x1010) {
		t.Fatal("expected not contains")
	}
}

func TestMemoryCache_FaultIn(t *testing.T) {
	newProvider := func() *Provider {
		p := NewProgramProvider([]byte{0x01, 0x02, 0x03, 0x04}, "ABCD")
		return p
	}

	t.Run("OK", func(t *testing.T) {
		p := newProvider()
		c := pimp.NewMemoryCache(p)

		r, err := c.FaultIn(0x1000, 4)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(&pimp.Region{Start: 0x1000, Data: []byte{1, 2, 3, 4}}, r); diff != "" {
			t.Fatal(diff)
		} else if c.Len() != 1 {
			t.Fatalf("unexpected region count: %d", c.Len())
		}

		if b, ok := c.Read(0x1002); !ok || b != 3 {
			t.Fatalf("unexpected read: 0x%02x %v", b, ok)
		} else if _, ok := c.Read(0x1004); ok {
			t.Fatal("expected uncached byte")
		}
	})

	t.Run("FetchesOnlyMissingBytes", func(t *testing.T) {
		p := newProvider()
		c := pimp.NewMemoryCache(p)

		if _, err := c.FaultIn(0x1000, 8); err != nil {
			t.Fatal(err)
		}

		// Overlapping fault returns the original region and fetches the tail only.
		r, err := c.FaultIn(0x1004, 8)
		if err != nil {
			t.Fatal(err)
		} else if r.Start != 0x1000 {
			t.Fatalf("unexpected region: 0x%x", r.Start)
		}

		// Fully cached range fetches nothing.
		if _, err := c.FaultIn(0x1002, 10); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]Range{{0x1000, 8}, {0x1008, 4}}, p.Reads); diff != "" {
			t.Fatal(diff)
		} else if c.Len() != 2 {
			t.Fatalf("unexpected region count: %d", c.Len())
		}
	})

	t.Run("StopsAtNextRegion", func(t *testing.T) {
		p := newProvider()
		c := pimp.NewMemoryCache(p)

		if _, err := c.FaultIn(0x1020, 0x10); err != nil {
			t.Fatal(err)
		} else if _, err := c.FaultIn(0x1018, 0x20); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]Range{{0x1020, 0x10}, {0x1018, 0x8}}, p.Reads); diff != "" {
			t.Fatal(diff)
		}

		var starts []uint64
		for _, r := range c.Regions() {
			starts = append(starts, r.Start)
		}
		if diff := cmp.Diff([]uint64{0x1018, 0x1020}, starts); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ClampsToMemoryMap", func(t *testing.T) {
		p := newProvider()
		c := pimp.NewMemoryCache(p)

		r, err := c.FaultIn(0x10f8, 16)
		if err != nil {
			t.Fatal(err)
		} else if len(r.Data) != 8 {
			t.Fatalf("unexpected size: %d", len(r.Data))
		}
	})

	t.Run("NoMemoryMaps", func(t *testing.T) {
		p := newProvider()
		p.Maps = nil
		c := pimp.NewMemoryCache(p)

		r, err := c.FaultIn(0x10f8, 16)
		if err != nil {
			t.Fatal(err)
		} else if len(r.Data) != 16 {
			t.Fatalf("unexpected size: %d", len(r.Data))
		}
	})

	t.Run("ErrUnmappedAddress", func(t *testing.T) {
		c := pimp.NewMemoryCache(newProvider())
		if _, err := c.FaultIn(0x5000, 1); !errors.Is(err, pimp.ErrUnmappedAddress) {
			t.Fatalf("unexpected error: %v", err)
		} else if c.Len() != 0 {
			t.Fatalf("unexpected region count: %d", c.Len())
		}
	})
}

func TestMemoryCache_ApplyModel(t *testing.T) {
	p := NewProgramProvider(nil, "ABCD")
	c := pimp.NewMemoryCache(p)

	before, err := c.FaultIn(0x2000, 4)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.ApplyModel(0x2001, 'z'); err != nil {
		t.Fatal(err)
	} else if b, _ := c.Read(0x2001); b != 'z' {
		t.Fatalf("unexpected byte: %c", b)
	}

	// Regions handed out earlier are not modified.
	if diff := cmp.Diff([]byte("ABCD"), before.Data); diff != "" {
		t.Fatal(diff)
	} else if diff := cmp.Diff([]byte("AzCD"), c.Regions()[0].Data); diff != "" {
		t.Fatal(diff)
	}

	// The provider is never written.
	if p.Memory[0x2001] != 'B' {
		t.Fatal("unexpected provider write")
	}

	if err := c.ApplyModel(0x2100, 0); !errors.Is(err, pimp.ErrUnmappedAddress) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryCache_Resync(t *testing.T) {
	p := NewProgramProvider(nil, "ABCD")
	c := pimp.NewMemoryCache(p)

	if _, err := c.FaultIn(0x2000, 4); err != nil {
		t.Fatal(err)
	} else if err := c.ApplyModel(0x2000, 'z'); err != nil {
		t.Fatal(err)
	}

	p.Load(0x2002, []byte("!"))
	if err := c.Resync(); err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]byte("AB!D"), c.Regions()[0].Data); diff != "" {
		t.Fatal(diff)
	} else if diff := cmp.Diff([]Range{{0x2000, 4}, {0x2000, 4}}, p.Reads); diff != "" {
		t.Fatal(diff)
	}
}
