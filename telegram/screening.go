package telegram

import "fmt"

// screeningFixedSize is the SCREENING RESULT body size without the response:
// TT, LL, SS, CC, GID(4), plcIndex, location, level, result, IATA(10), status, responseLength.
const screeningFixedSize = 34

// Screening result codes with special handling.
const (
	ResultMachineClear     uint16 = 2
	ResultObviousThreat    uint16 = 9
	ResultAlarmFromRecheck uint16 = 91
	ResultReconcile        uint16 = 96
	ResultCustomsRescreen  uint16 = 99
)

var resultNames = map[uint16]string{
	0:  "Undefined",
	1:  "Machine Alarm",
	2:  "Machine Clear",
	3:  "Error/Unknown",
	5:  "Machine Timeout",
	9:  "Obvious Threat",
	11: "Level 2A Alarm",
	12: "Level 2A Clear",
	13: "Level 2A Error",
	15: "Level 2A Timeout",
	21: "Level 2B Alarm",
	22: "Level 2B Clear",
	23: "Level 2B Error",
	25: "Level 2B Timeout",
	31: "Customs Alarm",
	32: "Customs Clear",
	33: "Customs Error",
	35: "Customs Timeout",
	91: "Alarm from L3A ETD / L3B EDS / Customs",
	92: "Clear from L3A ETD / L3B EDS / Customs",
	93: "Error from L3A ETD / L3B EDS / Customs",
	95: "Timeout from L3A ETD / L3B EDS / Customs",
	96: "Send for Reconciliation (3A ETD)",
	97: "Send to TCU (3A ETD / 3B EDS)",
	98: "Send to Customs (3A ETD)",
	99: "Send to Rescreening by Customs",
}

var levelNames = map[uint16]string{
	0:   "HBS Level Undefined",
	11:  "HBS Level 1",
	12:  "HBS Level 1a",
	13:  "HBS Level 1b",
	21:  "HBS Level 2",
	22:  "HBS Level 2a",
	23:  "HBS Level 2b",
	31:  "HBS Level 3",
	32:  "HBS Level 3a",
	33:  "HBS Level 3b",
	41:  "HBS Level 4",
	42:  "HBS Level 4a",
	43:  "HBS Level 4b",
	51:  "HBS Level 5",
	52:  "HBS Level 5a",
	53:  "HBS Level 5b",
	100: "Customs Screening Level 2",
	101: "Customs Screening Level 3",
	102: "Customs Screening Level 4 (MES L4)",
}

// ResultName returns the description of a screening result code.
func ResultName(code uint16) string {
	if name, ok := resultNames[code]; ok {
		return name
	}

	return fmt.Sprintf("Unknown code: %d", code)
}

// LevelName returns the description of a screening level code.
func LevelName(code uint16) string {
	if name, ok := levelNames[code]; ok {
		return name
	}

	return fmt.Sprintf("Other/Unknown Level: %d", code)
}

// Condition is a screening outcome that needs operator attention.
type Condition int

const (
	ObviousThreat Condition = iota + 1
	AlarmFromRecheck
	Reconcile
	CustomsRescreen
	Level4OperatorClear
)

func (c Condition) String() string {
	switch c {
	case ObviousThreat:
		return "obvious threat"
	case AlarmFromRecheck:
		return "alarm from L3A ETD / L3B EDS / customs"
	case Reconcile:
		return "send for reconciliation"
	case CustomsRescreen:
		return "send to rescreening by customs"
	case Level4OperatorClear:
		return "level 4 clear by operator"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}

// ScreeningStatusGoodTrack means the item was tracked through the screening machine.
const ScreeningStatusGoodTrack uint16 = 0

// ScreeningResult reports the hold baggage screening verdict for an item.
type ScreeningResult struct {
	ItemRef
	Location uint16
	Level    uint16
	Result   uint16
	IATA     string
	Status   uint16
	// Response is the raw machine response. The pad byte of an odd response is not included.
	// An empty response decodes as nil.
	Response []byte
}

func (*ScreeningResult) Type() Type { return TypeScreeningResult }

func (t *ScreeningResult) LengthWords() uint16 {
	return uint16((screeningFixedSize + padLen(len(t.Response))) / 2) //nolint:gosec // bounded by frame size
}

func (t *ScreeningResult) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.Location)
	e.u16(t.Level)
	e.u16(t.Result)
	e.ascii(t.IATA, IATASize, 0x00)
	e.u16(t.Status)
	e.u16(uint16(len(t.Response))) //nolint:gosec // bounded by frame size
	e.padded(t.Response)
}

func (t *ScreeningResult) decode(d *decoder) {
	t.getRef(d)
	t.Location = d.u16()
	t.Level = d.u16()
	t.Result = d.u16()
	t.IATA = d.ascii(IATASize)
	t.Status = d.u16()
	t.Response = getResponse(d)
}

// GoodTrack reports whether the item kept its tracking through screening.
func (t *ScreeningResult) GoodTrack() bool { return t.Status == ScreeningStatusGoodTrack }

// NoRead reports whether no bag tag was read.
func (t *ScreeningResult) NoRead() bool { return t.IATA == IATANoRead }

// MultiLabel reports whether more than one bag tag was read.
func (t *ScreeningResult) MultiLabel() bool { return t.IATA == IATAMultiLabel }

// Conditions returns the notable conditions of the result, in a stable order.
func (t *ScreeningResult) Conditions() []Condition {
	var conds []Condition

	switch t.Result {
	case ResultObviousThreat:
		conds = append(conds, ObviousThreat)
	case ResultAlarmFromRecheck:
		conds = append(conds, AlarmFromRecheck)
	case ResultReconcile:
		conds = append(conds, Reconcile)
	case ResultCustomsRescreen:
		conds = append(conds, CustomsRescreen)
	}

	if t.Level/10 == 4 && t.Result == ResultMachineClear {
		conds = append(conds, Level4OperatorClear)
	}

	return conds
}
