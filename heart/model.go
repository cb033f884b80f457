package heart

import (
	"fmt"
	"time"
)

// UserId is the stable identifier of a group member. It survives
// reconnects: the same physical user always presents the same id.
type UserId int64

// User is a resolved group member identity. Exactly one User with
// IsMe=true exists in any group snapshot (the local device's own user).
type User struct {
	Id   UserId `json:"id"`
	Name string `json:"name"`
	IsMe bool   `json:"isMe"`
}

func (u User) String() string {
	if u.IsMe {
		return fmt.Sprintf("%s(me, #%d)", u.Name, u.Id)
	}
	return fmt.Sprintf("%s(#%d)", u.Name, u.Id)
}

// HeartRate is a heart-rate value in beats per minute. Never negative.
type HeartRate float64

// Bpm returns the value rounded to a whole beat for display.
func (h HeartRate) Bpm() int {
	return int(h + 0.5)
}

// Measurement is a single heart-rate sample attributed to a user.
// Immutable once created.
type Measurement struct {
	User  User      `json:"user"`
	Value HeartRate `json:"value"`
	Time  time.Time `json:"time"`
}

func NewMeasurement(user User, value HeartRate) Measurement {
	return Measurement{User: user, Value: value, Time: time.Now()}
}
