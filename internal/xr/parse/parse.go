// Package parse turns bridge text packets into xr.Frame values.
//
// A packet is a run of whitespace separated tokens:
//
//	lrx lry lrz lrw lthx lthy lpx lpy lpz
//	rrx rry rrz rrw rthx rthy rpx rpy rpz
//	hrx hry hrz hrw hpx hpy hpz
//	[ipd] [fovx] [fovy] [sync]
//	[buttons]
//
// The 25 pose values are required. IPD, FOV X, FOV Y and the sync counter
// are optional and are consumed in order; anything beyond them must still be
// a number but is otherwise ignored, so senders can append fields without
// breaking older receivers. A final token containing a T/F marker (either
// case) is the button token.
package parse

import (
	"errors"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/xrbridge/internal/xr"
)

// buttonMarkers are the letters that identify a trailing button token.
const buttonMarkers = "TFtf"

// ParseFrame parses a single packet payload. It either returns a complete
// frame or a rejection error; it never returns a partially filled frame.
func ParseFrame(payload string) (xr.Frame, error) {
	tokens := strings.Fields(payload)
	if len(tokens) == 0 {
		return xr.Frame{}, ErrEmptyPacket
	}

	var buttons string
	numeric := tokens
	if last := tokens[len(tokens)-1]; strings.ContainsAny(last, buttonMarkers) {
		buttons = strings.TrimSpace(last)
		numeric = tokens[:len(tokens)-1]
	}

	if len(numeric) < xr.MinNumericTokens {
		return xr.Frame{}, &TooFewTokensError{
			Count: len(numeric),
			Raw:   truncate(payload, maxRawLen),
		}
	}

	// Every numeric token must parse, even the ones past the optional block.
	vals := make([]float64, len(numeric))
	for i := range vals {
		v, err := parseNumber(numeric[i])
		if err != nil {
			return xr.Frame{}, &InvalidNumberError{
				Index: i,
				Token: numeric[i],
				Raw:   truncate(payload, maxRawLen),
			}
		}
		vals[i] = v
	}

	r := reader{vals: vals[:min(len(vals), xr.PoseFields+xr.TrailingFields)]}
	f := xr.Frame{Buttons: buttons}

	f.LeftRotation = r.quat()
	f.LeftThumbX, f.LeftThumbY = r.next(), r.next()
	f.LeftPosition = r.vec()

	f.RightRotation = r.quat()
	f.RightThumbX, f.RightThumbY = r.next(), r.next()
	f.RightPosition = r.vec()

	f.HeadRotation = r.quat()
	f.HeadPosition = r.vec()

	for _, dst := range []*float64{&f.IPD, &f.FOVX, &f.FOVY, &f.Sync} {
		if r.done() {
			break
		}
		*dst = r.next()
		f.Trailing++
	}

	return f, nil
}

// reader consumes parsed values in wire order.
type reader struct {
	vals []float64
	idx  int
}

func (r *reader) done() bool { return r.idx >= len(r.vals) }

func (r *reader) next() float64 {
	v := r.vals[r.idx]
	r.idx++
	return v
}

func (r *reader) quat() xr.Quat {
	return xr.Quat{X: r.next(), Y: r.next(), Z: r.next(), W: r.next()}
}

func (r *reader) vec() r3.Vec {
	return r3.Vec{X: r.next(), Y: r.next(), Z: r.next()}
}

// parseNumber parses a token with locale invariant rules: '.' is the decimal
// separator and ',' may group digits of the integer part. Hex forms and
// digit separators other than ',' are rejected. Out of range values
// saturate to ±Inf or 0 rather than failing.
func parseNumber(tok string) (float64, error) {
	if strings.ContainsAny(tok, "xX_") {
		return 0, ErrInvalidNumber
	}
	s := tok
	if strings.ContainsRune(s, ',') {
		var ok bool
		if s, ok = stripGrouping(s); !ok {
			return 0, ErrInvalidNumber
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return v, nil
		}
		return 0, err
	}
	return v, nil
}

// stripGrouping removes ',' group separators from the integer part of s.
// Separators must follow at least one digit and may not appear after the
// decimal point or exponent.
func stripGrouping(s string) (string, bool) {
	end := strings.IndexAny(s, ".eE")
	if end < 0 {
		end = len(s)
	}
	intPart, rest := s[:end], s[end:]
	if strings.ContainsRune(rest, ',') {
		return "", false
	}

	start := 0
	if start < len(intPart) && (intPart[0] == '+' || intPart[0] == '-') {
		start = 1
	}
	if start >= len(intPart) || intPart[start] < '0' || intPart[start] > '9' {
		return "", false
	}
	return intPart[:start] + strings.ReplaceAll(intPart[start:], ",", "") + rest, true
}
