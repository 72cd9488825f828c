package conversation

import "testing"

func TestMembershipCacheKey(t *testing.T) {
	got := membershipCacheKey("conv1", "user1")
	want := "cc:member:conv1:user1"
	if got != want {
		t.Fatalf("membershipCacheKey = %q, want %q", got, want)
	}
}

func TestNewPartyID_DistinctAndHex(t *testing.T) {
	a := newPartyID()
	b := newPartyID()
	if a == b {
		t.Fatal("expected distinct party ids")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars (8 bytes), got %d", len(a))
	}
}
