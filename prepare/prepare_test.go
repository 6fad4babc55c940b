package prepare

import "testing"

func TestConsiderPromotesAtThreshold(t *testing.T) {
	m := NewManager(3, 10)
	q := "select 1"

	for i := 0; i < 3; i++ {
		d, name := m.Consider(q, nil, nil)
		if d != DecisionNo {
			t.Fatalf("iteration %d: got %v, want DecisionNo", i, d)
		}
		if name != "" {
			t.Fatalf("iteration %d: unexpected name %q", i, name)
		}
		m.Maintain(q, nil, d, name, "")
	}

	d, name := m.Consider(q, nil, nil)
	if d != DecisionShould {
		t.Fatalf("got %v, want DecisionShould", d)
	}
	if name == "" {
		t.Fatal("expected a statement name on DecisionShould")
	}
	m.Maintain(q, nil, d, name, "")

	d2, name2 := m.Consider(q, nil, nil)
	if d2 != DecisionYes {
		t.Fatalf("got %v, want DecisionYes", d2)
	}
	if name2 != name {
		t.Fatalf("name changed between DecisionShould and DecisionYes: %q vs %q", name, name2)
	}
}

func TestConsiderDistinguishesParamTypes(t *testing.T) {
	m := NewManager(5, 10)
	d1, n1 := m.Consider("select $1", []uint32{23}, nil)
	d2, n2 := m.Consider("select $1", []uint32{25}, nil)
	if d1 != DecisionNo || d2 != DecisionNo {
		t.Fatalf("expected both to stay unpromoted on first sight: %v %v", d1, d2)
	}
	m.Maintain("select $1", []uint32{23}, d1, n1, "")
	m.Maintain("select $1", []uint32{25}, d2, n2, "")

	force := true
	d1, n1 = m.Consider("select $1", []uint32{23}, &force)
	d2, n2 = m.Consider("select $1", []uint32{25}, &force)
	if d1 != DecisionShould || d2 != DecisionShould {
		t.Fatalf("expected both to promote when prepare=true: %v %v", d1, d2)
	}
	if n1 == n2 {
		t.Fatalf("expected distinct statement names for distinct param types")
	}
}

func TestConsiderForcedPrepareFalseAlwaysNo(t *testing.T) {
	m := NewManager(1, 10)
	noPrepare := false
	for i := 0; i < 5; i++ {
		d, name := m.Consider("select 1", nil, &noPrepare)
		if d != DecisionNo || name != "" {
			t.Fatalf("iteration %d: got (%v, %q), want (DecisionNo, \"\")", i, d, name)
		}
		m.Maintain("select 1", nil, d, name, "")
	}
}

func TestConsiderForcedPrepareTruePromotesImmediately(t *testing.T) {
	m := NewManager(5, 10)
	yes := true
	d, name := m.Consider("select 1", nil, &yes)
	if d != DecisionShould {
		t.Fatalf("got %v, want DecisionShould", d)
	}
	if name == "" {
		t.Fatal("expected a statement name")
	}
	m.Maintain("select 1", nil, d, name, "")

	d2, name2 := m.Consider("select 1", nil, nil)
	if d2 != DecisionYes || name2 != name {
		t.Fatalf("got (%v, %q), want (DecisionYes, %q)", d2, name2, name)
	}
}

func TestEvictionQueuesPendingClose(t *testing.T) {
	m := NewManager(1, 1)
	yes := true
	d1, n1 := m.Consider("select 1", nil, &yes) // promotes and fills the only slot
	m.Maintain("select 1", nil, d1, n1, "")
	d2, n2 := m.Consider("select 2", nil, &yes) // evicts the first entry
	m.Maintain("select 2", nil, d2, n2, "")

	pending := m.PendingCloses()
	if len(pending) != 1 {
		t.Fatalf("got %d pending closes, want 1", len(pending))
	}
	if len(m.PendingCloses()) != 0 {
		t.Fatal("PendingCloses should drain on read")
	}
}

func TestInvalidateAllClearsWithoutPendingCloses(t *testing.T) {
	m := NewManager(1, 10)
	yes := true
	d, name := m.Consider("select 1", nil, &yes)
	m.Maintain("select 1", nil, d, name, "")

	m.InvalidateAll()
	if len(m.PendingCloses()) != 0 {
		t.Fatal("InvalidateAll must not queue backend closes")
	}
	d2, _ := m.Consider("select 1", nil, &yes)
	if d2 != DecisionShould {
		t.Fatalf("got %v after InvalidateAll, want DecisionShould again", d2)
	}
}

func TestMaintainDeallocatesAllOnRollbackTag(t *testing.T) {
	m := NewManager(1, 10)
	yes := true
	d, name := m.Consider("select 1", nil, &yes)
	if got := m.Maintain("select 1", nil, d, name, ""); got {
		t.Fatal("unexpected deallocateAll on a plain SELECT")
	}

	if got := m.Maintain("rollback", nil, DecisionNo, "", "ROLLBACK"); !got {
		t.Fatal("expected deallocateAll after a ROLLBACK command tag")
	}
	d2, _ := m.Consider("select 1", nil, &yes)
	if d2 != DecisionShould {
		t.Fatalf("got %v after ROLLBACK tag, want DecisionShould again (cache must be cleared)", d2)
	}
}

func TestMaintainDeallocatesAllOnDropTag(t *testing.T) {
	m := NewManager(1, 10)
	yes := true
	d, name := m.Consider("select 1", nil, &yes)
	m.Maintain("select 1", nil, d, name, "")

	if got := m.Maintain("drop table t", nil, DecisionNo, "", "DROP TABLE"); !got {
		t.Fatal("expected deallocateAll after a DROP ... command tag")
	}
	d2, _ := m.Consider("select 1", nil, &yes)
	if d2 != DecisionShould {
		t.Fatalf("got %v after DROP tag, want DecisionShould again (cache must be cleared)", d2)
	}
}
