// Package coap implements the wire codec for the Constrained Application
// Protocol (RFC 7252 and extensions): header, token, delta-encoded
// options, and payload. It is a building block, not an endpoint — callers
// own the transport and retransmission logic; see coap/blockwise and
// coap/observe for the other two core components.
package coap

import (
	"encoding/binary"
	"sort"
)

// DefaultMaxMessageSize is the suggested encode size bound (bytes), chosen
// to fit a typical UDP datagram without IP fragmentation. Encode does not
// apply it on its own: a nil limit encodes without any bound, and the
// constant takes effect only when a caller passes it as the limit.
const DefaultMaxMessageSize = 1280

const (
	optExtByteCode    = 13
	optExtByteAddend  = 13
	optExtWordCode    = 14
	optExtWordAddend  = 269
	optPayloadMarker  = 15
	payloadMarkerByte = 0xFF
)

// Packet is the central CoAP message entity: header, token, an ordered
// multi-map of options, and a payload.
type Packet struct {
	Header  Header
	Token   []byte
	Payload []byte

	opts optionList
}

// SetToken updates the token and keeps Header.TokenLength in sync.
func (p *Packet) SetToken(token []byte) {
	p.Token = token
	p.Header.TokenLength = uint8(len(token))
}

// Options returns all raw values for the given option number, in
// insertion order.
func (p *Packet) Options(id OptionID) [][]byte {
	var out [][]byte
	for _, o := range p.opts {
		if o.ID == id {
			out = append(out, o.Value)
		}
	}
	return out
}

// Option returns the first raw value for the given option number, or nil.
func (p *Packet) Option(id OptionID) []byte {
	for _, o := range p.opts {
		if o.ID == id {
			return o.Value
		}
	}
	return nil
}

// GetOption is an alias of Option kept for readability at call sites that
// test presence rather than read the value.
func (p *Packet) GetOption(id OptionID) []byte { return p.Option(id) }

// OptionEntry is a single (id, value) pair as returned by AllOptions.
type OptionEntry struct {
	ID    OptionID
	Value []byte
}

// AllOptions returns every (id, value) pair in ascending-id, insertion
// order — the same order the encoder emits them in.
func (p *Packet) AllOptions() []OptionEntry {
	out := make([]OptionEntry, len(p.opts))
	for i, o := range p.opts {
		out[i] = OptionEntry{o.ID, o.Value}
	}
	sort.Stable(optionEntrySlice(out))
	return out
}

type optionEntrySlice []OptionEntry

func (o optionEntrySlice) Len() int      { return len(o) }
func (o optionEntrySlice) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o optionEntrySlice) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

// AddOption appends a value for the given option number, preserving any
// existing values (repetition is protocol-significant).
func (p *Packet) AddOption(id OptionID, value []byte) {
	p.opts = append(p.opts, option{ID: id, Value: value})
}

// SetOption discards any existing values for id and sets a single value.
func (p *Packet) SetOption(id OptionID, value []byte) {
	p.ClearOption(id)
	p.AddOption(id, value)
}

// ClearOption removes every value for the given option number.
func (p *Packet) ClearOption(id OptionID) {
	kept := p.opts[:0]
	for _, o := range p.opts {
		if o.ID != id {
			kept = append(kept, o)
		}
	}
	p.opts = kept
}

// --- Typed option accessors (§4.B bridged into §4.C) --------------------

// GetFirstOptionAsUint32 reads the first value of id as a minimal-length
// big-endian uint32, e.g. for Size1/Size2/MaxAge.
func (p *Packet) GetFirstOptionAsUint32(id OptionID) (uint32, bool, error) {
	v := p.Option(id)
	if v == nil {
		return 0, false, nil
	}
	n, err := DecodeUint32(v)
	return n, true, err
}

// AddOptionAsUint32 adds id with the minimal-length encoding of v.
func (p *Packet) AddOptionAsUint32(id OptionID, v uint32) {
	p.AddOption(id, EncodeUint32(v))
}

// GetFirstOptionAsString reads the first value of id as a UTF-8 string.
func (p *Packet) GetFirstOptionAsString(id OptionID) (string, bool, error) {
	v := p.Option(id)
	if v == nil {
		return "", false, nil
	}
	s, err := DecodeString(v)
	return s, true, err
}

// GetOptionsAsStrings reads every value of id as a UTF-8 string.
func (p *Packet) GetOptionsAsStrings(id OptionID) ([]string, error) {
	values := p.Options(id)
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, err := DecodeString(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AddOptionAsString adds id with s encoded verbatim as UTF-8 bytes.
func (p *Packet) AddOptionAsString(id OptionID, s string) {
	p.AddOption(id, EncodeString(s))
}

// GetFirstOptionAsBlockValue reads the first value of id as a BlockValue.
func (p *Packet) GetFirstOptionAsBlockValue(id OptionID) (BlockValue, bool, error) {
	v := p.Option(id)
	if v == nil {
		return BlockValue{}, false, nil
	}
	b, err := DecodeBlockValue(v)
	return b, true, err
}

// AddOptionAsBlockValue adds id with the encoded BlockValue.
func (p *Packet) AddOptionAsBlockValue(id OptionID, b BlockValue) {
	p.AddOption(id, EncodeBlockValue(b))
}

// SetOptionAsBlockValue replaces any existing values of id with the
// encoded BlockValue.
func (p *Packet) SetOptionAsBlockValue(id OptionID, b BlockValue) {
	p.SetOption(id, EncodeBlockValue(b))
}

// --- URI path convenience ------------------------------------------------

// Path returns the Uri-Path segments, in order.
func (p *Packet) Path() []string {
	segs, _ := p.GetOptionsAsStrings(OptionURIPath)
	return segs
}

// SetPathString sets Uri-Path from a "/"-separated string, replacing any
// existing segments.
func (p *Packet) SetPathString(s string) {
	p.ClearOption(OptionURIPath)
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	if s == "" {
		return
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			p.AddOptionAsString(OptionURIPath, s[start:i])
			start = i + 1
		}
	}
}

// --- Content-Format / Observe convenience --------------------------------

// SetContentFormat sets the Content-Format option.
func (p *Packet) SetContentFormat(cf ContentFormat) {
	p.SetOption(OptionContentFormat, EncodeUint16(uint16(cf)))
}

// GetContentFormat reads the Content-Format option, if present.
func (p *Packet) GetContentFormat() (ContentFormat, bool, error) {
	v := p.Option(OptionContentFormat)
	if v == nil {
		return 0, false, nil
	}
	n, err := DecodeUint16(v)
	return ContentFormat(n), true, err
}

// SetObserveValue sets the Observe option to the minimal-length big-endian
// encoding of v (so 0 encodes to the empty option value). Only the low 3
// bytes of v are encoded, so values of 2^24 and above wrap modulo 2^24.
func (p *Packet) SetObserveValue(v uint32) {
	p.SetOption(OptionObserve, encodeUint(uint64(v), 3))
}

// GetObserveValue reads the Observe option, if present.
func (p *Packet) GetObserveValue() (uint32, bool, error) {
	v := p.Option(OptionObserve)
	if v == nil {
		return 0, false, nil
	}
	n, err := decodeUint(v, 3)
	return uint32(n), true, err
}

// --- §4.C Message Codec ---------------------------------------------------

// Encode serializes the packet: header + token + delta-encoded, number-
// sorted options + payload marker + payload. limit bounds the total
// encoded length (ErrInvalidPacketLength if exceeded); pass nil for an
// unlimited encode (the caller is expected to enforce its own bound, e.g.
// a TCP/large-MTU transport).
func (p *Packet) Encode(limit *int) ([]byte, error) {
	if int(p.Header.TokenLength) != len(p.Token) {
		return nil, ErrInvalidTokenLength
	}
	if len(p.Token) > 8 {
		return nil, ErrInvalidTokenLength
	}

	buf := make([]byte, 0, headerSize+len(p.Token)+len(p.Payload)+16)
	buf = append(buf, p.Header.encode()...)
	buf = append(buf, p.Token...)

	sorted := make(optionList, len(p.opts))
	copy(sorted, p.opts)
	sort.Stable(sorted)

	running := 0
	for _, o := range sorted {
		delta := int(o.ID) - running
		if delta < 0 {
			// Shouldn't happen after sorting, but guard against a caller
			// constructing options out of band.
			return nil, ErrInvalidOptionDelta
		}
		encodeOptionHeader(&buf, delta, len(o.Value))
		buf = append(buf, o.Value...)
		running = int(o.ID)
	}

	if p.Header.Code != CodeEmpty && len(p.Payload) > 0 {
		buf = append(buf, payloadMarkerByte)
		buf = append(buf, p.Payload...)
	}

	if limit != nil && len(buf) > *limit {
		return nil, ErrInvalidPacketLength
	}
	return buf, nil
}

// extendField splits a delta or length field into its nibble code and
// extension value per the 13/14/15 escape convention.
func extendField(v int) (code int, ext int) {
	switch {
	case v < optExtByteAddend:
		return v, 0
	case v < optExtWordAddend:
		return optExtByteCode, v - optExtByteAddend
	default:
		return optExtWordCode, v - optExtWordAddend
	}
}

func encodeOptionHeader(buf *[]byte, delta, length int) {
	dCode, dExt := extendField(delta)
	lCode, lExt := extendField(length)

	*buf = append(*buf, byte(dCode<<4)|byte(lCode))
	writeExt := func(code, ext int) {
		switch code {
		case optExtByteCode:
			*buf = append(*buf, byte(ext))
		case optExtWordCode:
			var tmp [2]byte
			binary.BigEndian.PutUint16(tmp[:], uint16(ext))
			*buf = append(*buf, tmp[:]...)
		}
	}
	writeExt(dCode, dExt)
	writeExt(lCode, lExt)
}

// Decode parses data as a CoAP message.
func Decode(data []byte) (Packet, error) {
	var p Packet
	hdr, err := decodeHeader(data)
	if err != nil {
		return Packet{}, err
	}
	p.Header = hdr

	tkl := int(hdr.TokenLength)
	if len(data) < headerSize+tkl {
		return Packet{}, ErrInvalidPacketLength
	}
	if tkl > 0 {
		p.Token = append([]byte(nil), data[headerSize:headerSize+tkl]...)
	}

	b := data[headerSize+tkl:]
	running := 0

	for len(b) > 0 {
		if b[0] == payloadMarkerByte {
			b = b[1:]
			break
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		b = b[1:]

		delta, b2, err := parseExtendedField(deltaNibble, b, true)
		if err != nil {
			return Packet{}, err
		}
		b = b2

		length, b3, err := parseExtendedField(lengthNibble, b, false)
		if err != nil {
			return Packet{}, err
		}
		b = b3

		if len(b) < length {
			return Packet{}, ErrInvalidOptionLength
		}

		running += delta
		if running > 0xffff {
			return Packet{}, ErrInvalidOptionDelta
		}

		value := append([]byte(nil), b[:length]...)
		b = b[length:]
		p.opts = append(p.opts, option{ID: OptionID(running), Value: value})
	}

	p.Payload = append([]byte(nil), b...)
	return p, nil
}

// parseExtendedField resolves a delta/length nibble to its true value,
// consuming extension bytes from b as needed. isDelta only affects which
// error is returned on a malformed field.
func parseExtendedField(nibble int, b []byte, isDelta bool) (int, []byte, error) {
	switch nibble {
	case optPayloadMarker:
		if isDelta {
			return 0, nil, ErrInvalidOptionDelta
		}
		return 0, nil, ErrInvalidOptionLength
	case optExtByteCode:
		if len(b) < 1 {
			if isDelta {
				return 0, nil, ErrInvalidOptionDelta
			}
			return 0, nil, ErrInvalidOptionLength
		}
		return int(b[0]) + optExtByteAddend, b[1:], nil
	case optExtWordCode:
		if len(b) < 2 {
			if isDelta {
				return 0, nil, ErrInvalidOptionDelta
			}
			return 0, nil, ErrInvalidOptionLength
		}
		return int(binaryBigEndianUint16(b[:2])) + optExtWordAddend, b[2:], nil
	default:
		return nibble, b, nil
	}
}
