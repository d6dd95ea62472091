// Package lineproto builds metric points and renders them in InfluxDB line
// protocol:
//
//	measurement,tag1=v1,tag2=v2 field1=1i,field2=2.5 1700000000
//
// Tags and fields keep the order they were given in so that identical input
// renders to identical bytes.
package lineproto

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a field value.
type Kind int

const (
	KindInteger Kind = iota
	KindFloat
)

// Tag is a name/value pair indexed by the time-series store.
type Tag struct {
	Key   string
	Value string
}

// Field is a name/value pair holding the measured value.
type Field struct {
	Key   string
	Kind  Kind
	Int   int64
	Float float64
}

// Int returns an integer field.
func Int(key string, v int64) Field { return Field{Key: key, Kind: KindInteger, Int: v} }

// Float returns a floating point field.
func Float(key string, v float64) Field { return Field{Key: key, Kind: KindFloat, Float: v} }

// Point is one line of line protocol. Points are not modified after Encode.
type Point struct {
	Measurement string
	Tags        []Tag
	Fields      []Field
	Timestamp   int64 // seconds since the epoch
}

// EmptyFieldSetError is returned by Encode when no fields are given.
type EmptyFieldSetError struct {
	Measurement string
}

func (e *EmptyFieldSetError) Error() string {
	return fmt.Sprintf("point %q has no fields", e.Measurement)
}

// Encode validates its arguments and returns a Point owning copies of tags
// and fields.
func Encode(measurement string, tags []Tag, fields []Field, timestamp int64) (Point, error) {
	if len(fields) == 0 {
		return Point{}, &EmptyFieldSetError{Measurement: measurement}
	}
	if measurement == "" {
		return Point{}, errors.New("point has no measurement")
	}
	for _, t := range tags {
		if t.Key == "" || t.Value == "" {
			return Point{}, fmt.Errorf("point %q: empty tag %q=%q", measurement, t.Key, t.Value)
		}
	}
	for _, f := range fields {
		if f.Key == "" {
			return Point{}, fmt.Errorf("point %q: field with empty name", measurement)
		}
		if f.Kind == KindFloat && (math.IsNaN(f.Float) || math.IsInf(f.Float, 0)) {
			return Point{}, fmt.Errorf("point %q: field %q is not finite", measurement, f.Key)
		}
	}

	return Point{
		Measurement: measurement,
		Tags:        append([]Tag(nil), tags...),
		Fields:      append([]Field(nil), fields...),
		Timestamp:   timestamp,
	}, nil
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

// String renders the point as a single line without a trailing newline.
func (p Point) String() string {
	var b strings.Builder
	p.writeTo(&b)
	return b.String()
}

func (p Point) writeTo(b *strings.Builder) {
	b.WriteString(measurementEscaper.Replace(p.Measurement))
	for _, t := range p.Tags {
		b.WriteByte(',')
		b.WriteString(keyEscaper.Replace(t.Key))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(t.Value))
	}
	for i, f := range p.Fields {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(keyEscaper.Replace(f.Key))
		b.WriteByte('=')
		switch f.Kind {
		case KindInteger:
			b.WriteString(strconv.FormatInt(f.Int, 10))
			b.WriteByte('i')
		case KindFloat:
			b.WriteString(strconv.FormatFloat(f.Float, 'f', -1, 64))
		}
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
}

// Batch renders points one per line, each terminated by a newline.
func Batch(points []Point) []byte {
	var b strings.Builder
	for _, p := range points {
		p.writeTo(&b)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
