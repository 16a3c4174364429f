package mixing

import "testing"

func TestKeyReservationPool(t *testing.T) {
	src := &fakeKeySource{}
	p := NewKeyReservationPool(testLog)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		s, err := p.Reserve(src)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if seen[s.Key()] {
			t.Fatal("script handed out twice")
		}
		seen[s.Key()] = true
	}
	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}

	p.ReturnAll()
	if src.returned != 3 || p.Len() != 0 {
		t.Fatalf("after ReturnAll: returned=%d len=%d", src.returned, p.Len())
	}
	p.ReturnAll()
	p.KeepAll()
	if src.returned != 3 || src.kept != 0 {
		t.Fatalf("empty pool resolved keys again: returned=%d kept=%d", src.returned, src.kept)
	}

	p.Reserve(src)
	p.Reserve(src)
	p.KeepAll()
	if src.kept != 2 || len(src.reserved) != 0 {
		t.Fatalf("after KeepAll: kept=%d outstanding=%d", src.kept, len(src.reserved))
	}
}
