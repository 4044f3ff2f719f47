package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grovebox/irrigationd/internal/model"
)

// Record payload layout, little-endian. The payload sits inside the
// checksummed container written by WriteRecord, so the codec itself carries
// no integrity data, only a type tag and its own version:
//
//	u8   record type (1 = instance, 2 = template)
//	u16  codec version (currently 1)
//	...  type-specific fields, strings as u16 length + UTF-8 bytes
//
// Instance fields, in order: id, template id, actuator id, start date
// (u16 year, u8 month, u8 day), end date, i32 priority, u8 flags (bit 0 =
// photoperiod present), photoperiod on/off as u16 minutes (when present),
// u32 version, u16 event count, events.
//
// Event fields: u8 kind, u16 start, u16 end, u32 duration seconds, f64
// volume ml, sensor id string, f64 trigger setpoint, u16 settling minutes.
//
// This layout is an on-disk contract: changing it requires bumping
// codecVersion and keeping a decoder for the old one.
const (
	recordTypeInstance = uint8(1)
	recordTypeTemplate = uint8(2)

	codecVersion = uint16(1)

	flagPhotoperiod = uint8(1 << 0)
)

// EncodeInstance serializes an instance to its payload bytes.
func EncodeInstance(inst *model.ScheduleInstance) []byte {
	w := newPayloadWriter(recordTypeInstance)
	w.str(inst.ID)
	w.str(inst.TemplateID)
	w.str(inst.ActuatorID)
	w.date(inst.StartDate)
	w.date(inst.EndDate)
	w.i32(inst.Priority)
	w.photoperiod(inst.Lighting)
	w.u32(inst.Version)
	w.events(inst.Events)
	return w.bytes()
}

// DecodeInstance parses payload bytes produced by EncodeInstance.
func DecodeInstance(payload []byte) (*model.ScheduleInstance, error) {
	r, err := newPayloadReader(payload, recordTypeInstance)
	if err != nil {
		return nil, err
	}
	inst := &model.ScheduleInstance{}
	inst.ID = r.str()
	inst.TemplateID = r.str()
	inst.ActuatorID = r.str()
	inst.StartDate = r.date()
	inst.EndDate = r.date()
	inst.Priority = r.i32()
	inst.Lighting = r.photoperiod()
	inst.Version = r.u32()
	inst.Events = r.events()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return inst, nil
}

// EncodeTemplate serializes a template to its payload bytes.
func EncodeTemplate(t *model.ScheduleTemplate) []byte {
	w := newPayloadWriter(recordTypeTemplate)
	w.str(t.ID)
	w.str(t.Name)
	w.photoperiod(t.Lighting)
	w.u32(t.Version)
	w.events(t.Events)
	return w.bytes()
}

// DecodeTemplate parses payload bytes produced by EncodeTemplate.
func DecodeTemplate(payload []byte) (*model.ScheduleTemplate, error) {
	r, err := newPayloadReader(payload, recordTypeTemplate)
	if err != nil {
		return nil, err
	}
	t := &model.ScheduleTemplate{}
	t.ID = r.str()
	t.Name = r.str()
	t.Lighting = r.photoperiod()
	t.Version = r.u32()
	t.Events = r.events()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return t, nil
}

// payloadWriter accumulates fields; it cannot fail.
type payloadWriter struct {
	buf bytes.Buffer
}

func newPayloadWriter(recordType uint8) *payloadWriter {
	w := &payloadWriter{}
	w.u8(recordType)
	w.u16(codecVersion)
	return w
}

func (w *payloadWriter) bytes() []byte { return w.buf.Bytes() }

func (w *payloadWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *payloadWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *payloadWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *payloadWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *payloadWriter) f64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
}

func (w *payloadWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *payloadWriter) date(d model.Date) {
	w.u16(d.Year)
	w.u8(d.Month)
	w.u8(d.Day)
}

func (w *payloadWriter) photoperiod(p *model.Photoperiod) {
	if p == nil {
		w.u8(0)
		return
	}
	w.u8(flagPhotoperiod)
	w.u16(uint16(p.On))
	w.u16(uint16(p.Off))
}

func (w *payloadWriter) events(events []model.Event) {
	w.u16(uint16(len(events)))
	for _, e := range events {
		w.u8(uint8(e.Kind))
		w.u16(uint16(e.Start))
		w.u16(uint16(e.End))
		w.u32(e.DurationSec)
		w.f64(e.VolumeML)
		w.str(e.SensorID)
		w.f64(e.TriggerSetpoint)
		w.u16(e.SettlingMinutes)
	}
}

// payloadReader tracks a single error; all reads after a failure return
// zero values so decoders stay linear and check finish() once.
type payloadReader struct {
	rest []byte
	err  error
}

func newPayloadReader(payload []byte, wantType uint8) (*payloadReader, error) {
	r := &payloadReader{rest: payload}
	if got := r.u8(); got != wantType {
		return nil, fmt.Errorf("record type %d, want %d: %w", got, wantType, model.ErrCorruptRecord)
	}
	if v := r.u16(); v != codecVersion {
		return nil, fmt.Errorf("codec version %d: %w", v, model.ErrCorruptRecord)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

func (r *payloadReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("truncated payload: %w", model.ErrCorruptRecord)
	}
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.rest) < n {
		r.fail()
		return nil
	}
	b := r.rest[:n]
	r.rest = r.rest[n:]
	return b
}

func (r *payloadReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *payloadReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *payloadReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *payloadReader) i32() int32 { return int32(r.u32()) }

func (r *payloadReader) f64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *payloadReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *payloadReader) date() model.Date {
	return model.Date{Year: r.u16(), Month: r.u8(), Day: r.u8()}
}

func (r *payloadReader) photoperiod() *model.Photoperiod {
	flags := r.u8()
	if flags&flagPhotoperiod == 0 {
		return nil
	}
	return &model.Photoperiod{
		On:  model.TimeOfDay(r.u16()),
		Off: model.TimeOfDay(r.u16()),
	}
}

func (r *payloadReader) events() []model.Event {
	n := int(r.u16())
	if r.err != nil {
		return nil
	}
	events := make([]model.Event, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		events = append(events, model.Event{
			Kind:            model.EventKind(r.u8()),
			Start:           model.TimeOfDay(r.u16()),
			End:             model.TimeOfDay(r.u16()),
			DurationSec:     r.u32(),
			VolumeML:        r.f64(),
			SensorID:        r.str(),
			TriggerSetpoint: r.f64(),
			SettlingMinutes: r.u16(),
		})
	}
	return events
}

func (r *payloadReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.rest) != 0 {
		return fmt.Errorf("%d trailing bytes: %w", len(r.rest), model.ErrCorruptRecord)
	}
	return nil
}
