package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"reflect"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a trace by its method, runs and compile flags.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first eight hex digits.
func (f Fingerprint) Short() string { return hex.EncodeToString(f[:4]) }

// ParseFingerprint decodes the hex form.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(f) {
		return f, fmt.Errorf("bad fingerprint %q", s)
	}
	copy(f[:], b)
	return f, nil
}

type fingerprintInput struct {
	Method       uint32
	Runs         []Run
	NoLoop       bool
	MaxInsns     int64
	DisabledOpts uint8
	LoopChecks   []LoopCheck
}

// Fingerprint hashes the parts of d that change the compiled code.
func (d *Descriptor) Fingerprint() Fingerprint {
	in := fingerprintInput{
		Method:       uint32(d.Method),
		Runs:         d.Runs,
		NoLoop:       d.NoLoop,
		MaxInsns:     int64(d.Budget()),
		DisabledOpts: uint8(d.DisabledOpts),
		LoopChecks:   d.LoopChecks,
	}
	var buf bytes.Buffer
	if err := encodeValue(reflect.ValueOf(in), &buf); err != nil {
		panic(err)
	}
	return blake2b.Sum256(buf.Bytes())
}

// encodeValue writes a canonical encoding of v: struct fields in order,
// nil/non-nil prefixes for pointers, variable-length counts for slices and
// little-endian integers.
func encodeValue(v reflect.Value, buf *bytes.Buffer) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return buf.WriteByte(0)
		}
		buf.WriteByte(1)
		return encodeValue(v.Elem(), buf)
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := encodeValue(v.Field(i), buf); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		encodeLength(uint64(v.Len()), buf)
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(v.Index(i), buf); err != nil {
				return err
			}
		}
		return nil
	case reflect.Bool:
		if v.Bool() {
			return buf.WriteByte(1)
		}
		return buf.WriteByte(0)
	case reflect.Uint8:
		return buf.WriteByte(byte(v.Uint()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return binary.Write(buf, binary.LittleEndian, v.Int())
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return binary.Write(buf, binary.LittleEndian, v.Uint())
	}
	return fmt.Errorf("fingerprint: unsupported type %s", v.Type())
}

// encodeLength uses one prefix byte whose leading ones count the extra
// length bytes.
func encodeLength(x uint64, buf *bytes.Buffer) {
	if x == 0 {
		buf.WriteByte(0)
		return
	}
	l := uint((bits.Len64(x) - 1) / 7)
	if l <= 7 && x < uint64(1)<<(7*(l+1)) {
		buf.WriteByte(byte((1 << 8) - (1 << (8 - l)) + (x >> (8 * l))))
		for i := uint(0); i < l; i++ {
			buf.WriteByte(byte(x >> (8 * i)))
		}
		return
	}
	buf.WriteByte(0xff)
	binary.Write(buf, binary.LittleEndian, x)
}
