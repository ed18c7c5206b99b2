package corefoundation

import (
	"math"
	"time"

	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// AbsoluteTime is CFAbsoluteTime: seconds since 2001-01-01 00:00:00 UTC.
type AbsoluteTime = float64

// absoluteEpoch is the Unix time of the CFAbsoluteTime reference date.
const absoluteEpoch int64 = 978307200

// GregorianDate is CFGregorianDate. It is passed in seven slots and
// returned through a caller-supplied buffer.
type GregorianDate struct {
	Year    int32
	Month   int8
	Day     int8
	Hours   int8
	Minutes int8
	Seconds float64
}

// AbsoluteTimeOf converts a host time.
func AbsoluteTimeOf(t time.Time) AbsoluteTime {
	return float64(t.Unix()-absoluteEpoch) + float64(t.Nanosecond())/1e9
}

// TimeOf converts an absolute time to a host time in UTC.
func TimeOf(at AbsoluteTime) time.Time {
	whole := math.Floor(at)
	nsec := int64(math.Round((at - whole) * 1e9))
	return time.Unix(int64(whole)+absoluteEpoch, nsec).UTC()
}

// CFAbsoluteTimeGetCurrent returns the host clock as an absolute time.
func CFAbsoluteTimeGetCurrent(env *runtime.Env) AbsoluteTime {
	return AbsoluteTimeOf(env.Now())
}

// CFTimeZoneCopySystem returns the null zone, which means GMT.
func CFTimeZoneCopySystem(*runtime.Env) Ref {
	return 0
}

func checkZone(env *runtime.Env, fn string, tz Ref) {
	if tz != 0 {
		env.Log.Warn("unknown time zone ref, using GMT", zap.String("fn", fn), zap.Uint32("tz", tz))
	}
}

// CFAbsoluteTimeGetGregorianDate splits at into calendar fields in GMT.
func CFAbsoluteTimeGetGregorianDate(env *runtime.Env, at AbsoluteTime, tz Ref) GregorianDate {
	checkZone(env, "CFAbsoluteTimeGetGregorianDate", tz)
	whole := math.Floor(at)
	t := TimeOf(whole)
	return GregorianDate{
		Year:    int32(t.Year()),
		Month:   int8(t.Month()),
		Day:     int8(t.Day()),
		Hours:   int8(t.Hour()),
		Minutes: int8(t.Minute()),
		Seconds: float64(t.Second()) + (at - whole),
	}
}

// CFGregorianDateGetAbsoluteTime is the inverse of
// CFAbsoluteTimeGetGregorianDate. Out-of-range fields are normalized.
func CFGregorianDateGetAbsoluteTime(env *runtime.Env, date GregorianDate, tz Ref) AbsoluteTime {
	checkZone(env, "CFGregorianDateGetAbsoluteTime", tz)
	t := time.Date(int(date.Year), time.Month(date.Month), int(date.Day),
		int(date.Hours), int(date.Minutes), 0, 0, time.UTC)
	return float64(t.Unix()-absoluteEpoch) + date.Seconds
}

func timeExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "CFAbsoluteTimeGetCurrent", Arity: 0, Fn: CFAbsoluteTimeGetCurrent},
		{Name: "CFTimeZoneCopySystem", Arity: 0, Fn: CFTimeZoneCopySystem},
		{Name: "CFAbsoluteTimeGetGregorianDate", Arity: 2, Fn: CFAbsoluteTimeGetGregorianDate},
		{Name: "CFGregorianDateGetAbsoluteTime", Arity: 2, Fn: CFGregorianDateGetAbsoluteTime},
	}
}
