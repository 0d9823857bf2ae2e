package liveplot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Protocol constants
const (
	// ProtocolVersion is the current version of the WS2 protocol
	ProtocolVersion byte = 2

	// Message type constants, equal to the MessageKind values.
	MessageTypeCreate       byte = 0x01
	MessageTypeReplaceData  byte = 0x02
	MessageTypeExtendData   byte = 0x03
	MessageTypePatchOptions byte = 0x04
	MessageTypeRemove       byte = 0x05

	// Header size in bytes
	EnvelopeHeaderSize = 8

	handleIDSize = 16

	// flags(1) + pad(3) + series(4) + length(4)
	dataFrameHeaderSize = 12

	dataFlagAligned byte = 0x01
)

// Codec selects how the structured section of Create and PatchOptions
// payloads (names and options) is encoded. It travels in the first reserved
// byte of the envelope.
type Codec byte

const (
	CodecJSON Codec = 0
	CodecCBOR Codec = 1
)

func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return CodecJSON, nil
	case "cbor":
		return CodecCBOR, nil
	default:
		return 0, configErrorf("unknown codec %q", name)
	}
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error

	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("liveplot: CBOR encoder initialization failed: " + err.Error())
	}

	// Options are map[string]any all the way down.
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("liveplot: CBOR decoder initialization failed: " + err.Error())
	}
}

func (c Codec) marshal(v any) ([]byte, error) {
	switch c {
	case CodecJSON:
		return json.Marshal(v)
	case CodecCBOR:
		return cborEncMode.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown codec: %v", c)
	}
}

func (c Codec) unmarshal(data []byte, v any) error {
	switch c {
	case CodecJSON:
		return json.Unmarshal(data, v)
	case CodecCBOR:
		return cborDecMode.Unmarshal(data, v)
	default:
		return fmt.Errorf("unknown codec: %v", c)
	}
}

// EnvelopeHeader represents the message envelope header
type EnvelopeHeader struct {
	Version  byte
	Reserved [2]byte // Reserved[0] carries the Codec
	Type     byte
	Length   uint32 // Payload length in bytes
}

// createSection is the structured part of a Create payload.
type createSection struct {
	Names        []string `json:"names" cbor:"names"`
	Options      Options  `json:"options,omitempty" cbor:"options,omitempty"`
	Visible      bool     `json:"visible" cbor:"visible"`
	HistoryLimit int      `json:"history_limit" cbor:"history_limit"`
}

// patchSection is the structured part of a PatchOptions payload.
type patchSection struct {
	Options Options `json:"options,omitempty" cbor:"options,omitempty"`
	Visible *bool   `json:"visible,omitempty" cbor:"visible,omitempty"`
}

// EncodeEnvelopeHeader encodes the envelope header into a byte slice
func EncodeEnvelopeHeader(env EnvelopeHeader) []byte {
	buf := make([]byte, EnvelopeHeaderSize)
	buf[0] = env.Version
	buf[1] = env.Reserved[0]
	buf[2] = env.Reserved[1]
	buf[3] = env.Type
	binary.LittleEndian.PutUint32(buf[4:8], env.Length)
	return buf
}

// DecodeEnvelopeHeader decodes the envelope header from a byte slice
// Returns the envelope and an error if the buffer is too short
func DecodeEnvelopeHeader(buf []byte) (EnvelopeHeader, error) {
	if len(buf) < EnvelopeHeaderSize {
		return EnvelopeHeader{}, fmt.Errorf("buffer too short: expected at least %d bytes, got %d", EnvelopeHeaderSize, len(buf))
	}

	env := EnvelopeHeader{
		Version: buf[0],
		Type:    buf[3],
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	env.Reserved[0] = buf[1]
	env.Reserved[1] = buf[2]

	return env, nil
}

// EncodeMessage encodes msg into one websocket frame: envelope followed by
// the payload for its kind.
func EncodeMessage(msg UpdateMessage, codec Codec) ([]byte, error) {
	payload := append(make([]byte, 0, 64), msg.ID[:]...)

	var err error
	switch msg.Kind {
	case KindCreate:
		visible := true
		if msg.Visible != nil {
			visible = *msg.Visible
		}
		payload, err = appendSection(payload, codec, createSection{
			Names:        seriesNames(msg.Series),
			Options:      msg.Options,
			Visible:      visible,
			HistoryLimit: msg.HistoryLimit,
		})
		if err != nil {
			return nil, err
		}
		payload, err = appendDataFrame(payload, msg.Series)

	case KindReplaceData:
		payload, err = appendDataFrame(payload, msg.Series)

	case KindExtendData:
		payload, err = appendSamples(payload, msg.HistoryLimit, msg.Samples)

	case KindPatchOptions:
		payload, err = appendSection(payload, codec, patchSection{
			Options: msg.Options,
			Visible: msg.Visible,
		})

	case KindRemove:

	default:
		return nil, fmt.Errorf("unknown message type: 0x%02x", byte(msg.Kind))
	}
	if err != nil {
		return nil, err
	}

	header := EncodeEnvelopeHeader(EnvelopeHeader{
		Version:  ProtocolVersion,
		Reserved: [2]byte{byte(codec), 0},
		Type:     byte(msg.Kind),
		Length:   uint32(len(payload)),
	})

	fullMsg := make([]byte, len(header)+len(payload))
	copy(fullMsg, header)
	copy(fullMsg[len(header):], payload)

	return fullMsg, nil
}

// DecodeMessage decodes a complete frame (envelope + payload).
func DecodeMessage(buf []byte) (UpdateMessage, error) {
	env, err := DecodeEnvelopeHeader(buf)
	if err != nil {
		return UpdateMessage{}, err
	}
	if env.Version != ProtocolVersion {
		return UpdateMessage{}, fmt.Errorf("unsupported protocol version %d", env.Version)
	}

	// Validate full message size
	expectedSize := uint64(EnvelopeHeaderSize) + uint64(env.Length)
	if uint64(len(buf)) < expectedSize {
		return UpdateMessage{}, fmt.Errorf("buffer too short: expected %d bytes (header + payload), got %d", expectedSize, len(buf))
	}

	r := &payloadReader{buf: buf[EnvelopeHeaderSize:expectedSize]}
	codec := Codec(env.Reserved[0])

	msg := UpdateMessage{Kind: MessageKind(env.Type)}
	copy(msg.ID[:], r.next(handleIDSize))

	switch msg.Kind {
	case KindCreate:
		var section createSection
		r.section(codec, &section)
		series := r.dataFrame()
		if r.err == nil && len(series) != len(section.Names) {
			r.fail("create has %d names for %d series", len(section.Names), len(series))
		}
		for i := range series {
			if i < len(section.Names) {
				series[i].Name = section.Names[i]
			}
		}
		msg.Series = series
		msg.Options = section.Options
		msg.HistoryLimit = section.HistoryLimit
		msg.Visible = boolPtr(section.Visible)

	case KindReplaceData:
		msg.Series = r.dataFrame()

	case KindExtendData:
		msg.HistoryLimit, msg.Samples = r.samples()

	case KindPatchOptions:
		var section patchSection
		r.section(codec, &section)
		msg.Options = section.Options
		msg.Visible = section.Visible

	case KindRemove:

	default:
		return UpdateMessage{}, fmt.Errorf("unknown message type: 0x%02x", env.Type)
	}

	if r.err != nil {
		return UpdateMessage{}, fmt.Errorf("decoding %v: %w", msg.Kind, r.err)
	}
	if rest := len(r.buf) - r.off; rest != 0 {
		return UpdateMessage{}, fmt.Errorf("decoding %v: %d trailing bytes", msg.Kind, rest)
	}
	return msg, nil
}

func appendSection(buf []byte, codec Codec, section any) ([]byte, error) {
	data, err := codec.marshal(section)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %v section: %w", codec, err)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...), nil
}

// appendDataFrame writes series as one data frame. When every series shares
// the same X values, X is written once.
func appendDataFrame(buf []byte, series []Series) ([]byte, error) {
	length := 0
	if len(series) > 0 {
		length = series[0].Len()
	}
	for i, s := range series {
		if len(s.X) != len(s.Y) {
			return nil, fmt.Errorf("series %d: X and Y arrays must have same length: X=%d, Y=%d", i, len(s.X), len(s.Y))
		}
		if s.Len() != length {
			return nil, fmt.Errorf("series %d has %d samples, expected %d", i, s.Len(), length)
		}
	}

	var flags byte
	aligned := isAligned(series)
	if aligned {
		flags |= dataFlagAligned
	}

	buf = append(buf, flags, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(series)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))

	if aligned && len(series) > 0 {
		buf = appendFloats(buf, series[0].X)
		for _, s := range series {
			buf = appendFloats(buf, s.Y)
		}
		return buf, nil
	}

	for _, s := range series {
		buf = appendFloats(buf, s.X)
		buf = appendFloats(buf, s.Y)
	}
	return buf, nil
}

func appendSamples(buf []byte, historyLimit int, samples [][]Sample) ([]byte, error) {
	count := 0
	if len(samples) > 0 {
		count = len(samples[0])
	}
	for i, s := range samples {
		if len(s) != count {
			return nil, fmt.Errorf("series %d has %d new samples, expected %d", i, len(s), count)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(historyLimit))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	for _, s := range samples {
		for _, sample := range s {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(sample.X))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(sample.Y))
		}
	}
	return buf, nil
}

func appendFloats(buf []byte, values []float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// payloadReader walks a payload, remembering the first error so the decode
// switch can read fields without checking after each one.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *payloadReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("buffer too short: need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *payloadReader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *payloadReader) floats(n int) []float64 {
	b := r.next(n * 8)
	if b == nil {
		return nil
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return values
}

func (r *payloadReader) section(codec Codec, v any) {
	size := r.u32()
	data := r.next(int(size))
	if r.err != nil {
		return
	}
	if err := codec.unmarshal(data, v); err != nil {
		r.fail("failed to unmarshal %v section: %w", codec, err)
	}
}

func (r *payloadReader) dataFrame() []Series {
	header := r.next(dataFrameHeaderSize)
	if header == nil {
		return nil
	}
	flags := header[0]
	count := int(binary.LittleEndian.Uint32(header[4:8]))
	length := int(binary.LittleEndian.Uint32(header[8:12]))

	// Reject sizes the remaining bytes cannot possibly hold before allocating.
	remaining := len(r.buf) - r.off
	if count > remaining/8+1 || length > remaining/8+1 {
		r.fail("data frame of %d series x %d samples does not fit in %d bytes", count, length, remaining)
		return nil
	}

	series := make([]Series, count)
	if flags&dataFlagAligned != 0 && count > 0 {
		x := r.floats(length)
		for i := range series {
			series[i].X = append([]float64(nil), x...)
			series[i].Y = r.floats(length)
		}
	} else {
		for i := range series {
			series[i].X = r.floats(length)
			series[i].Y = r.floats(length)
		}
	}

	if r.err != nil {
		return nil
	}
	return series
}

func (r *payloadReader) samples() (int, [][]Sample) {
	historyLimit := int(r.u32())
	count := int(r.u32())
	perSeries := int(r.u32())
	if r.err != nil {
		return 0, nil
	}

	remaining := len(r.buf) - r.off
	if count > remaining/16+1 || perSeries > remaining/16+1 {
		r.fail("extend of %d series x %d samples does not fit in %d bytes", count, perSeries, remaining)
		return 0, nil
	}

	samples := make([][]Sample, count)
	for i := range samples {
		values := r.floats(perSeries * 2)
		if r.err != nil {
			return 0, nil
		}
		samples[i] = make([]Sample, perSeries)
		for j := range samples[i] {
			samples[i][j] = Sample{X: values[2*j], Y: values[2*j+1]}
		}
	}
	return historyLimit, samples
}
