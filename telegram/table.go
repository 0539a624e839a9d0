package telegram

import "fmt"

// Table download telegram sizes.
const (
	AirlineCodeSize = 4
	FallbackTagSize = 10
	MaxAltDest      = 3
)

// TableStart opens an airline or fallback table download.
//
// Code is TypeAirlineTableStart or TypeFallbackTableStart.
type TableStart struct {
	Code        Type
	SubsystemID uint16
}

func (t *TableStart) Type() Type        { return t.Code }
func (*TableStart) LengthWords() uint16 { return 3 }

func (t *TableStart) encode(e *encoder) { e.u16(t.SubsystemID) }
func (t *TableStart) decode(d *decoder) { t.SubsystemID = d.u16() }

// TableEnd closes a table download and states how many entries were sent.
//
// Code is TypeAirlineTableEnd or TypeFallbackTableEnd.
type TableEnd struct {
	Code        Type
	SubsystemID uint16
	Count       uint16
}

func (t *TableEnd) Type() Type        { return t.Code }
func (*TableEnd) LengthWords() uint16 { return 4 }

func (t *TableEnd) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.Count)
}

func (t *TableEnd) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.Count = d.u16()
}

// CompleteStatus is the PLC verdict on a table download.
type CompleteStatus uint16

const (
	CompleteSuccess CompleteStatus = 1
	CompleteFailed  CompleteStatus = 2
)

func (s CompleteStatus) String() string {
	switch s {
	case CompleteSuccess:
		return "SUCCESS"
	case CompleteFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint16(s))
	}
}

// TableComplete is sent by the PLC after it processed a table download.
//
// Code is TypeAirlineTableComplete or TypeFallbackTableComplete.
type TableComplete struct {
	Code        Type
	SubsystemID uint16
	EntryCount  uint16
	Status      CompleteStatus
}

func (t *TableComplete) Type() Type        { return t.Code }
func (*TableComplete) LengthWords() uint16 { return 5 }

func (t *TableComplete) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.EntryCount)
	e.u16(uint16(t.Status))
}

func (t *TableComplete) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.EntryCount = d.u16()
	t.Status = CompleteStatus(d.u16())
}

// AirlineCodeEntry maps a 4 character airline code to a sort destination.
type AirlineCodeEntry struct {
	SubsystemID     uint16
	AirlineCode     string
	Destination     uint16
	AltDestinations []uint16
}

func (*AirlineCodeEntry) Type() Type          { return TypeAirlineCodeEntry }
func (*AirlineCodeEntry) LengthWords() uint16 { return 10 }

func (t *AirlineCodeEntry) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.ascii(t.AirlineCode, AirlineCodeSize, 0x00)
	e.u16(t.Destination)
	putAltDest(e, t.AltDestinations)
}

func (t *AirlineCodeEntry) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.AirlineCode = d.ascii(AirlineCodeSize)
	t.Destination = d.u16()
	t.AltDestinations = getAltDest(d)
}

// FallbackTagEntry maps a fallback bag tag to a destination and screening level.
type FallbackTagEntry struct {
	SubsystemID     uint16
	Tag             string
	Destination     uint16
	ScreeningLevel  uint16
	AltDestinations []uint16
}

func (*FallbackTagEntry) Type() Type          { return TypeFallbackTagEntry }
func (*FallbackTagEntry) LengthWords() uint16 { return 14 }

func (t *FallbackTagEntry) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.ascii(t.Tag, FallbackTagSize, 0x00)
	e.u16(t.Destination)
	e.u16(t.ScreeningLevel)
	putAltDest(e, t.AltDestinations)
}

func (t *FallbackTagEntry) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.Tag = d.ascii(FallbackTagSize)
	t.Destination = d.u16()
	t.ScreeningLevel = d.u16()
	t.AltDestinations = getAltDest(d)
}

// putAltDest writes numAltDest followed by three alternate destination slots.
// More than MaxAltDest values are truncated; unused slots are zero.
func putAltDest(e *encoder, alts []uint16) {
	n := min(len(alts), MaxAltDest)
	e.u16(uint16(n)) //nolint:gosec // bounded by MaxAltDest
	for i := range MaxAltDest {
		if i < n {
			e.u16(alts[i])
		} else {
			e.u16(0)
		}
	}
}

// getAltDest reads the alternate destinations; zero alternates yield nil, as nil and an empty
// slice encode identically.
func getAltDest(d *decoder) []uint16 {
	n := int(d.u16())
	slots := [MaxAltDest]uint16{d.u16(), d.u16(), d.u16()}
	if n > MaxAltDest {
		n = MaxAltDest
	}
	if n == 0 {
		return nil
	}

	return append([]uint16(nil), slots[:n]...)
}
