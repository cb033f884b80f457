package heart

import "time"

// MemberState is the live view of one group member. HeartRate is nil when
// no fresh measurement has arrived within the invalidation window
// ("unknown/stale"), and Limit is nil until the limit daemon has computed
// a ceiling for this user.
type MemberState struct {
	User          User       `json:"user"`
	HeartRate     *HeartRate `json:"heartRate,omitempty"`
	HeartRateTime *time.Time `json:"heartRateTime,omitempty"`
	Limit         *HeartRate `json:"limit,omitempty"`
}

// ExceedsLimit reports whether the member's current heart rate is above
// their personal ceiling. False when either value is unknown.
func (m MemberState) ExceedsLimit() bool {
	return m.HeartRate != nil && m.Limit != nil && *m.HeartRate > *m.Limit
}

// Group is an immutable snapshot of everything known about the group.
// Members are ordered by first-seen time and are never removed once seen;
// a silently departed peer shows up as stale, not absent.
type Group struct {
	Members []MemberState `json:"members"`
}

// Member returns the state for the given user id, if present.
func (g Group) Member(id UserId) (MemberState, bool) {
	for _, m := range g.Members {
		if m.User.Id == id {
			return m, true
		}
	}
	return MemberState{}, false
}

// Me returns the local user's member state, if present.
func (g Group) Me() (MemberState, bool) {
	for _, m := range g.Members {
		if m.User.IsMe {
			return m, true
		}
	}
	return MemberState{}, false
}
