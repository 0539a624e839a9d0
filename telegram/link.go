package telegram

// Connected is sent by the CSC right after the transport connection is confirmed.
type Connected struct {
	SubsystemID uint16
}

func (*Connected) Type() Type          { return TypeConnected }
func (*Connected) LengthWords() uint16 { return 3 }

func (t *Connected) encode(e *encoder) { e.u16(t.SubsystemID) }
func (t *Connected) decode(d *decoder) { t.SubsystemID = d.u16() }

// Ready is exchanged by both sides to start telegram traffic.
type Ready struct {
	SubsystemID uint16
	BypassMode  uint16
	LLCMode     uint16
}

func (*Ready) Type() Type          { return TypeReady }
func (*Ready) LengthWords() uint16 { return 5 }

func (t *Ready) encode(e *encoder) {
	e.u16(t.SubsystemID)
	e.u16(t.BypassMode)
	e.u16(t.LLCMode)
}

func (t *Ready) decode(d *decoder) {
	t.SubsystemID = d.u16()
	t.BypassMode = d.u16()
	t.LLCMode = d.u16()
}

// Ack acknowledges a received telegram by echoing its sequence number.
type Ack struct {
	Seq uint32
}

func (*Ack) Type() Type          { return TypeAck }
func (*Ack) LengthWords() uint16 { return 4 }

func (t *Ack) encode(e *encoder) { e.u32(t.Seq) }
func (t *Ack) decode(d *decoder) { t.Seq = d.u32() }
