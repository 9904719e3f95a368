package bridge

import "testing"

func TestVlanEngineDefaultVlanExists(t *testing.T) {
	e := NewVlanEngine(nil)
	if !e.Exists(1) {
		t.Fatalf("default vlan 1 should exist")
	}
}

func TestVlanEngineCreateAndDelete(t *testing.T) {
	e := NewVlanEngine(nil)
	if err := e.Create(10, "eng"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !e.Exists(10) {
		t.Fatalf("vlan 10 should exist after Create")
	}
	if err := e.Create(10, "dup"); err == nil {
		t.Fatalf("duplicate Create should fail")
	}
	if err := e.Delete(10); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if e.Exists(10) {
		t.Fatalf("vlan 10 should not exist after Delete")
	}
}

func TestVlanEngineCannotDeleteDefaultVlan(t *testing.T) {
	e := NewVlanEngine(nil)
	if err := e.Delete(1); err == nil {
		t.Fatalf("deleting vlan 1 should fail")
	}
}

func TestVlanEngineCreateRejectsOutOfRange(t *testing.T) {
	e := NewVlanEngine(nil)
	if err := e.Create(0, "bad"); err == nil {
		t.Fatalf("vlan 0 should be rejected")
	}
	if err := e.Create(4095, "bad"); err == nil {
		t.Fatalf("vlan 4095 should be rejected")
	}
}

func TestVlanEngineProcessIngressTagged(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(20, "sales")
	e.AddPort(20, 3, true)

	vlan, err := e.ProcessIngress(true, 20, 3)
	if err != nil {
		t.Fatalf("ProcessIngress: %v", err)
	}
	if vlan != 20 {
		t.Fatalf("vlan = %d, want 20", vlan)
	}
}

func TestVlanEngineProcessIngressTaggedRejectsNonMember(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(20, "sales")
	if _, err := e.ProcessIngress(true, 20, 3); err == nil {
		t.Fatalf("non-member port should be rejected")
	}
}

func TestVlanEngineProcessIngressUntaggedUsesPVID(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(30, "guest")
	e.AddPort(30, 4, false)
	if err := e.SetPVID(4, 30); err != nil {
		t.Fatalf("SetPVID: %v", err)
	}

	vlan, err := e.ProcessIngress(false, 0, 4)
	if err != nil {
		t.Fatalf("ProcessIngress: %v", err)
	}
	if vlan != 30 {
		t.Fatalf("vlan = %d, want 30", vlan)
	}
}

func TestVlanEngineProcessEgressTagActions(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(40, "voice")
	e.AddPort(40, 1, true)  // tagged member
	e.AddPort(40, 2, false) // untagged member

	action, err := e.ProcessEgress(40, 1, false, 0)
	if err != nil {
		t.Fatalf("ProcessEgress tagged member: %v", err)
	}
	if action != TagAdd {
		t.Fatalf("action = %v, want TagAdd", action)
	}

	action, err = e.ProcessEgress(40, 2, true, 40)
	if err != nil {
		t.Fatalf("ProcessEgress untagged member: %v", err)
	}
	if action != TagRemove {
		t.Fatalf("action = %v, want TagRemove", action)
	}

	action, err = e.ProcessEgress(40, 1, true, 50)
	if err != nil {
		t.Fatalf("ProcessEgress replace: %v", err)
	}
	if action != TagReplace {
		t.Fatalf("action = %v, want TagReplace", action)
	}
}

func TestVlanEngineProcessEgressRejectsNonMember(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(50, "iot")
	if _, err := e.ProcessEgress(50, 9, false, 0); err == nil {
		t.Fatalf("non-member egress port should be rejected")
	}
}

func TestVlanEngineRemovePort(t *testing.T) {
	e := NewVlanEngine(nil)
	e.Create(60, "lab")
	e.AddPort(60, 2, false)
	if err := e.RemovePort(60, 2); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	members, err := e.Members(60)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v, want empty", members)
	}
}

func TestVlanEngineEventCallback(t *testing.T) {
	e := NewVlanEngine(nil)
	var events []string
	e.SetEventCallback(func(event string, vlan, port uint16) {
		events = append(events, event)
	})
	e.Create(70, "test")
	e.AddPort(70, 1, true)
	e.RemovePort(70, 1)
	e.Delete(70)

	want := []string{"create", "port_add", "port_remove", "delete"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}
