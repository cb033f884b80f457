package heart

import (
	"testing"
	"time"
)

func ptr(h HeartRate) *HeartRate { return &h }

func TestExceedsLimit(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		state    MemberState
		expected bool
	}{
		{"no data", MemberState{}, false},
		{"rate only", MemberState{HeartRate: ptr(150)}, false},
		{"limit only", MemberState{Limit: ptr(180)}, false},
		{"below limit", MemberState{HeartRate: ptr(150), Limit: ptr(180), HeartRateTime: &now}, false},
		{"at limit", MemberState{HeartRate: ptr(180), Limit: ptr(180)}, false},
		{"above limit", MemberState{HeartRate: ptr(190), Limit: ptr(180)}, true},
	}

	for _, tc := range cases {
		if got := tc.state.ExceedsLimit(); got != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}

func TestGroupLookup(t *testing.T) {
	group := Group{Members: []MemberState{
		{User: User{Id: 1, Name: "Alice"}},
		{User: User{Id: 2, Name: "Me", IsMe: true}},
	}}

	member, ok := group.Member(1)
	if !ok {
		t.Fatal("expected member 1 to exist")
	}
	if member.User.Name != "Alice" {
		t.Errorf("expected Alice, got %s", member.User.Name)
	}

	if _, ok := group.Member(99); ok {
		t.Error("expected member 99 to be absent")
	}

	me, ok := group.Me()
	if !ok {
		t.Fatal("expected a local member")
	}
	if me.User.Id != 2 {
		t.Errorf("expected local member id 2, got %d", me.User.Id)
	}
}

func TestMeAbsent(t *testing.T) {
	group := Group{Members: []MemberState{{User: User{Id: 1, Name: "Alice"}}}}
	if _, ok := group.Me(); ok {
		t.Error("expected no local member")
	}
}
