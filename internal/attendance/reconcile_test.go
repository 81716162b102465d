package attendance

import (
	"testing"
	"time"
)

func TestReconcile(t *testing.T) {
	act := Activity{
		ID:                  "a1",
		AttendanceOpenTime:  time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		AttendanceCloseTime: time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC),
		AttendanceEnabled:   true,
		AttendanceRequired:  true,
	}
	optional := act
	optional.AttendanceRequired = false

	before := act.AttendanceOpenTime.Add(-time.Minute)
	during := act.AttendanceOpenTime.Add(10 * time.Minute)
	after := act.AttendanceCloseTime.Add(time.Minute)

	cases := []struct {
		name    string
		rec     *Record
		act     Activity
		now     time.Time
		want    Status
		points  int
		derived bool
	}{
		{"present", &Record{Status: StatusPresent, Points: 10}, act, during, StatusPresent, 10, false},
		{"late after close", &Record{Status: StatusLate, Points: 5}, act, after, StatusLate, 5, false},
		{"excused", &Record{Status: StatusExcused, Points: 3}, act, after, StatusExcused, 3, false},
		{"sick", &Record{Status: StatusSick, Points: 3}, act, after, StatusSick, 3, false},
		{"pending", &Record{Status: StatusPendingApproval}, act, after, StatusPendingApproval, 0, false},
		{"upcoming", nil, act, before, StatusUpcoming, 0, true},
		{"awaiting", nil, act, during, StatusAwaiting, 0, true},
		{"absent", nil, act, after, StatusAbsent, 0, true},
		{"not required", nil, optional, after, StatusNotRequired, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconcile(tc.rec, tc.act, tc.now, DefaultPoints)
			if got.Status != tc.want || got.Points != tc.points || got.Derived != tc.derived {
				t.Fatalf("got %+v", got)
			}
			if got.Label == "" || got.ColorClass == "" {
				t.Fatalf("missing presentation: %+v", got)
			}
		})
	}
}
