package server

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"

	"google.golang.org/protobuf/types/known/structpb"
)

// record reads typed fields out of a flat request struct. The first decoding
// failure is kept in err and later reads become no-ops.
type record struct {
	fields map[string]*structpb.Value
	err    error
}

func newRecord(msg *structpb.Struct) *record {
	if msg == nil {
		return &record{fields: map[string]*structpb.Value{}}
	}
	return &record{fields: msg.GetFields()}
}

func (r *record) fail(key, format string, args ...any) {
	if r.err == nil {
		r.err = apperr.Validation(fmt.Sprintf("%s: %s", key, fmt.Sprintf(format, args...)))
	}
}

func (r *record) String(key string) string {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_NullValue:
		return ""
	}
	r.fail(key, "expected a string")
	return ""
}

func (r *record) Float(key string) float64 {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return 0
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			r.fail(key, "expected a finite number")
			return 0
		}
		return k.NumberValue
	case *structpb.Value_StringValue:
		f, err := strconv.ParseFloat(k.StringValue, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			r.fail(key, "expected a number")
			return 0
		}
		return f
	case *structpb.Value_NullValue:
		return 0
	}
	r.fail(key, "expected a number")
	return 0
}

// Int reads an integral number; fractional values are rejected.
func (r *record) Int(key string) int64 {
	f := r.Float(key)
	if r.err != nil {
		return 0
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		r.fail(key, "expected an integer")
		return 0
	}
	return int64(f)
}

func (r *record) Bool(key string) bool {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_StringValue:
		b, err := strconv.ParseBool(k.StringValue)
		if err != nil {
			r.fail(key, "expected a boolean")
		}
		return b
	case *structpb.Value_NullValue:
		return false
	}
	r.fail(key, "expected a boolean")
	return false
}

func (r *record) Record(key string) *record {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return &record{fields: map[string]*structpb.Value{}}
	}
	s := v.GetStructValue()
	if s == nil {
		r.fail(key, "expected an object")
		return &record{fields: map[string]*structpb.Value{}}
	}
	return &record{fields: s.GetFields()}
}

func (r *record) Vec3(key string) domain.Vec3 {
	sub := r.Record(key)
	out := domain.Vec3{X: sub.Float("x"), Y: sub.Float("y"), Z: sub.Float("z")}
	if sub.err != nil && r.err == nil {
		r.err = sub.err
	}
	return out
}

// StringMap reads an object of scalar values.
func (r *record) StringMap(key string) map[string]string {
	sub := r.Record(key)
	out := make(map[string]string, len(sub.fields))
	for k := range sub.fields {
		out[k] = sub.String(k)
	}
	if sub.err != nil && r.err == nil {
		r.err = sub.err
	}
	return out
}

// Time accepts RFC 3339 strings or unix milliseconds.
func (r *record) Time(key string) time.Time {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return time.Time{}
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339Nano, k.StringValue)
		if err != nil {
			r.fail(key, "expected an RFC 3339 timestamp")
		}
		return t.UTC()
	case *structpb.Value_NumberValue:
		return time.UnixMilli(int64(k.NumberValue)).UTC()
	}
	r.fail(key, "expected a timestamp")
	return time.Time{}
}

// Duration accepts Go duration strings ("48h") or a number of seconds.
func (r *record) Duration(key string) time.Duration {
	v, ok := r.fields[key]
	if !ok || r.err != nil {
		return 0
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := time.ParseDuration(k.StringValue)
		if err != nil {
			r.fail(key, "expected a duration")
		}
		return d
	case *structpb.Value_NumberValue:
		return time.Duration(k.NumberValue * float64(time.Second))
	}
	r.fail(key, "expected a duration")
	return 0
}

func rewardList(rewards []domain.Reward) []any {
	out := make([]any, 0, len(rewards))
	for _, r := range rewards {
		out = append(out, map[string]any{
			"kind":   string(r.Kind),
			"id":     r.ID,
			"amount": float64(r.Amount),
		})
	}
	return out
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
