package catalog

import "testing"

func TestParseNodeType(t *testing.T) {
	cases := map[string]NodeType{
		"primary": NodePrimary,
		"standby": NodeStandby,
		"witness": NodeWitness,
		"":        NodeUnknown,
		"master":  NodeUnknown,
	}
	for in, want := range cases {
		if got := ParseNodeType(in); got != want {
			t.Fatalf("ParseNodeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlotNameForNode(t *testing.T) {
	if got := SlotNameForNode(5); got != "repmgr_slot_5" {
		t.Fatalf("got %q", got)
	}
}

func TestValidateNodeRecord(t *testing.T) {
	valid := NodeRecord{NodeID: 2, Type: NodeStandby, UpstreamNodeID: 1, NodeName: "node2"}
	if err := validateNodeRecord(valid); err != nil {
		t.Fatalf("valid standby rejected: %v", err)
	}

	selfUpstream := NodeRecord{NodeID: 2, Type: NodeStandby, UpstreamNodeID: 2}
	if err := validateNodeRecord(selfUpstream); err == nil {
		t.Fatal("self-upstream must be rejected")
	}

	orphanStandby := NodeRecord{NodeID: 2, Type: NodeStandby}
	if err := validateNodeRecord(orphanStandby); err == nil {
		t.Fatal("standby without upstream must be rejected")
	}

	primaryWithUpstream := NodeRecord{NodeID: 1, Type: NodePrimary, UpstreamNodeID: 2}
	if err := validateNodeRecord(primaryWithUpstream); err == nil {
		t.Fatal("primary with upstream must be rejected")
	}

	witnessNoUpstream := NodeRecord{NodeID: 4, Type: NodeWitness}
	if err := validateNodeRecord(witnessNoUpstream); err != nil {
		t.Fatalf("witness upstream is optional: %v", err)
	}
}
