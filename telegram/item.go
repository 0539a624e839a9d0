package telegram

import "fmt"

// IATASize is the width of an IATA bag tag field.
const IATASize = 10

// Special IATA values reported by the PLC.
const (
	IATANoRead     = "0000000000"
	IATAMultiLabel = "9999999999"
)

// ItemRef identifies a tracked item on the PLC. It prefixes every item telegram.
type ItemRef struct {
	SubsystemID uint16
	Component   uint16
	GlobalID    uint32
	PLCIndex    uint16
}

func (r *ItemRef) putRef(e *encoder) {
	e.u16(r.SubsystemID)
	e.u16(r.Component)
	e.u32(r.GlobalID)
	e.u16(r.PLCIndex)
}

func (r *ItemRef) getRef(d *decoder) {
	r.SubsystemID = d.u16()
	r.Component = d.u16()
	r.GlobalID = d.u32()
	r.PLCIndex = d.u16()
}

// Ref returns the item reference of an item telegram.
func (r *ItemRef) Ref() ItemRef { return *r }

// ItemEnter reports an item entering the tracking area at Location.
type ItemEnter struct {
	ItemRef
	Location    uint16
	Destination uint16
}

func (*ItemEnter) Type() Type          { return TypeItemEnter }
func (*ItemEnter) LengthWords() uint16 { return 9 }

func (t *ItemEnter) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Location)
	e.u16(t.Destination)
}

func (t *ItemEnter) decode(d *decoder) {
	t.getRef(d)
	t.Location = d.u16()
	t.Destination = d.u16()
}

// Item assigns a sort destination to an item.
type Item struct {
	ItemRef
	Destination    uint16
	AltDestination uint16
}

func (*Item) Type() Type          { return TypeItem }
func (*Item) LengthWords() uint16 { return 9 }

func (t *Item) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Destination)
	e.u16(t.AltDestination)
}

func (t *Item) decode(d *decoder) {
	t.getRef(d)
	t.Destination = d.u16()
	t.AltDestination = d.u16()
}

// DestAckStatus is the PLC verdict on an Item destination.
type DestAckStatus uint16

const (
	DestAckOK           DestAckStatus = 0
	DestAckIndexError   DestAckStatus = 1
	DestAckInvalid      DestAckStatus = 2
	DestAckItemGone     DestAckStatus = 3
	DestAckNotReachable DestAckStatus = 4
)

func (s DestAckStatus) String() string {
	switch s {
	case DestAckOK:
		return "OK"
	case DestAckIndexError:
		return "INDEX ERROR"
	case DestAckInvalid:
		return "DESTINATION INVALID"
	case DestAckItemGone:
		return "ITEM GONE"
	case DestAckNotReachable:
		return "DESTINATION NOT REACHABLE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint16(s))
	}
}

// ItemDestAck is the PLC's answer to Item.
type ItemDestAck struct {
	ItemRef
	Destination uint16
	Status      DestAckStatus
}

func (*ItemDestAck) Type() Type          { return TypeItemDestAck }
func (*ItemDestAck) LengthWords() uint16 { return 9 }

func (t *ItemDestAck) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Destination)
	e.u16(uint16(t.Status))
}

func (t *ItemDestAck) decode(d *decoder) {
	t.getRef(d)
	t.Destination = d.u16()
	t.Status = DestAckStatus(d.u16())
}

// ItemLost reports that tracking of an item was lost at Location.
type ItemLost struct {
	ItemRef
	Location uint16
	Reason   uint16
}

func (*ItemLost) Type() Type          { return TypeItemLost }
func (*ItemLost) LengthWords() uint16 { return 9 }

func (t *ItemLost) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Location)
	e.u16(t.Reason)
}

func (t *ItemLost) decode(d *decoder) {
	t.getRef(d)
	t.Location = d.u16()
	t.Reason = d.u16()
}

// ItemStray reports an item found at Location without tracking data.
type ItemStray struct {
	ItemRef
	Location uint16
}

func (*ItemStray) Type() Type          { return TypeItemStray }
func (*ItemStray) LengthWords() uint16 { return 8 }

func (t *ItemStray) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Location)
}

func (t *ItemStray) decode(d *decoder) {
	t.getRef(d)
	t.Location = d.u16()
}

// TransferEvent tells whether an item enters or leaves a transfer point.
type TransferEvent uint16

const (
	TransferEnter TransferEvent = 0
	TransferLeave TransferEvent = 1
)

// TransferHandshakeStray marks a transfer of an item without tracking data.
const TransferHandshakeStray uint16 = 8

// ItemTransfer reports an item crossing a transfer point between subsystems.
type ItemTransfer struct {
	ItemRef
	Event     TransferEvent
	Location  uint16
	Handshake uint16
}

func (*ItemTransfer) Type() Type          { return TypeItemTransfer }
func (*ItemTransfer) LengthWords() uint16 { return 10 }

// Stray reports whether the transfer handshake marks a stray item.
func (t *ItemTransfer) Stray() bool { return t.Handshake == TransferHandshakeStray }

func (t *ItemTransfer) encode(e *encoder) {
	t.putRef(e)
	e.u16(uint16(t.Event))
	e.u16(t.Location)
	e.u16(t.Handshake)
}

func (t *ItemTransfer) decode(d *decoder) {
	t.getRef(d)
	t.Event = TransferEvent(d.u16())
	t.Location = d.u16()
	t.Handshake = d.u16()
}

// ItemExit reports an item leaving the tracking area at Location.
type ItemExit struct {
	ItemRef
	Location uint16
}

func (*ItemExit) Type() Type          { return TypeItemExit }
func (*ItemExit) LengthWords() uint16 { return 8 }

func (t *ItemExit) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Location)
}

func (t *ItemExit) decode(d *decoder) {
	t.getRef(d)
	t.Location = d.u16()
}

// ValidBarcode answers a scanner result with up to three IATA codes.
//
// IATA fields are filled with '0' and returned verbatim on decode.
type ValidBarcode struct {
	ItemRef
	IATA              [3]string
	CustomsRequired   bool
	MinScreeningLevel uint8
	Spare             uint16
}

func (*ValidBarcode) Type() Type          { return TypeValidBarcode }
func (*ValidBarcode) LengthWords() uint16 { return 24 }

func (t *ValidBarcode) encode(e *encoder) {
	t.putRef(e)
	for _, code := range t.IATA {
		e.ascii(code, IATASize, '0')
	}
	e.bool8(t.CustomsRequired)
	e.u8(t.MinScreeningLevel)
	e.u16(t.Spare)
}

func (t *ValidBarcode) decode(d *decoder) {
	t.getRef(d)
	for i := range t.IATA {
		t.IATA[i] = d.raw(IATASize)
	}
	t.CustomsRequired = d.bool8()
	t.MinScreeningLevel = d.u8()
	t.Spare = d.u16()
}

// KeySwitch states and locations.
const (
	KeyOff uint16 = 0
	KeyOn  uint16 = 1

	KeyLocationBypass uint16 = 1
	KeyLocationLLC    uint16 = 2
)

// KeySwitch reports an operator key switch change.
type KeySwitch struct {
	SubsystemID uint16
	Component   uint16
	KeyStatus   uint16
	Location    uint16
}

func (*KeySwitch) Type() Type          { return TypeKeySwitch }
func (*KeySwitch) LengthWords() uint16 { return 6 }

func (t *KeySwitch) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.Component)
	e.u16(t.KeyStatus)
	e.u16(t.Location)
}

func (t *KeySwitch) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.Component = d.u16()
	t.KeyStatus = d.u16()
	t.Location = d.u16()
}

// LocationName returns "BYPASS", "LLC" or the numeric location.
func (t *KeySwitch) LocationName() string {
	switch t.Location {
	case KeyLocationBypass:
		return "BYPASS"
	case KeyLocationLLC:
		return "LLC"
	default:
		return fmt.Sprintf("LOCATION(%d)", t.Location)
	}
}

// ItemInfoRequest asks the CSC for the screening and customs decisions of a bag.
type ItemInfoRequest struct {
	SubsystemID uint16
	PLCIndex    uint16
	Location    uint16
	IATA        string
}

func (*ItemInfoRequest) Type() Type          { return TypeItemInfoRequest }
func (*ItemInfoRequest) LengthWords() uint16 { return 10 }

func (t *ItemInfoRequest) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.PLCIndex)
	e.u16(t.Location)
	e.ascii(t.IATA, IATASize, 0x00)
}

func (t *ItemInfoRequest) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.PLCIndex = d.u16()
	t.Location = d.u16()
	t.IATA = d.ascii(IATASize)
}

// ItemInfo answers ItemInfoRequest.
type ItemInfo struct {
	SubsystemID       uint16
	PLCIndex          uint16
	IATA              string
	ScreeningLevel    uint16
	ScreeningResult   uint16
	CustomsResult     uint16
	MinScreeningLevel uint16
	CustomsRequired   uint16
	EBSStatus         uint16
}

func (*ItemInfo) Type() Type          { return TypeItemInfo }
func (*ItemInfo) LengthWords() uint16 { return 15 }

func (t *ItemInfo) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.PLCIndex)
	e.ascii(t.IATA, IATASize, 0x00)
	e.u16(t.ScreeningLevel)
	e.u16(t.ScreeningResult)
	e.u16(t.CustomsResult)
	e.u16(t.MinScreeningLevel)
	e.u16(t.CustomsRequired)
	e.u16(t.EBSStatus)
}

func (t *ItemInfo) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.PLCIndex = d.u16()
	t.IATA = d.ascii(IATASize)
	t.ScreeningLevel = d.u16()
	t.ScreeningResult = d.u16()
	t.CustomsResult = d.u16()
	t.MinScreeningLevel = d.u16()
	t.CustomsRequired = d.u16()
	t.EBSStatus = d.u16()
}
