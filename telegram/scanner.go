package telegram

import (
	"fmt"
	"strings"
)

// scannerFixedSize is the SCANNER RESULT body size without the response:
// TT, LL, SS, CC, GID(4), plcIndex, scanner, version(2), status, responseLength.
const scannerFixedSize = 22

// ScannerStatusOK is the only status carrying a usable response.
const ScannerStatusOK uint16 = 0

// Barcode is one code read by a scanner: a 2 character type and a 10 character value.
type Barcode struct {
	Kind string
	Code string
}

// ScannerResult reports a barcode scanner reading.
type ScannerResult struct {
	ItemRef
	ScannerNumber   uint16
	ProtocolVersion string
	Status          uint16
	// Response is the raw scanner response. The pad byte of an odd response is not included.
	// An empty response decodes as nil.
	Response []byte
}

func (*ScannerResult) Type() Type { return TypeScannerResult }

func (t *ScannerResult) LengthWords() uint16 {
	return uint16((scannerFixedSize + padLen(len(t.Response))) / 2) //nolint:gosec // bounded by frame size
}

func (t *ScannerResult) encode(e *encoder) {
	t.putRef(e)
	e.u16(t.ScannerNumber)
	e.ascii(t.ProtocolVersion, 2, ' ')
	e.u16(t.Status)
	e.u16(uint16(len(t.Response))) //nolint:gosec // bounded by frame size
	e.padded(t.Response)
}

func (t *ScannerResult) decode(d *decoder) {
	t.getRef(d)
	t.ScannerNumber = d.u16()
	t.ProtocolVersion = d.ascii(2)
	t.Status = d.u16()
	t.Response = getResponse(d)
}

// getResponse reads responseLength and the response bytes that follow.
//
// The response occupies the rest of the body, padded with 0xFF to an even length.
// A zero responseLength yields nil.
func getResponse(d *decoder) []byte {
	n := int(d.u16())
	if d.err != nil {
		return nil
	}

	if avail := d.remaining(); avail != padLen(n) {
		d.err = fmt.Errorf("response length %d does not match %d trailing bytes", n, avail)
		return nil
	}

	if n == 0 {
		return nil
	}
	resp := d.bytes(padLen(n))
	if resp == nil {
		return nil
	}

	return resp[:n]
}

// Barcodes extracts the codes carried by a successful scanner response.
func (t *ScannerResult) Barcodes() []Barcode {
	if t.Status != ScannerStatusOK {
		return nil
	}

	return ExtractBarcodes(string(t.Response))
}

// ScannerName returns the conveyor name of a scanner number.
func (t *ScannerResult) ScannerName() string {
	return ScannerName(t.ScannerNumber)
}

var scannerNames = map[uint16]string{
	5: "2AR04_AT19",
	6: "2AR04_BT20",
}

// ScannerName returns the conveyor name of scanner n, or "UNKNOWN(n)".
func ScannerName(n uint16) string {
	if name, ok := scannerNames[n]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(%d)", n)
}

// ExtractBarcodes parses a scanner response of the form "<prefix>#TTCCCCCCCCCCTTCCCCCCCCCC...".
//
// Text up to and including the first '#' is skipped. Each code is a 2 character type
// followed by a 10 character value; an incomplete trailing group is ignored.
func ExtractBarcodes(response string) []Barcode {
	response = strings.TrimRight(response, "\xff")
	_, data, found := strings.Cut(response, "#")
	if !found {
		return nil
	}

	const group = 2 + IATASize

	var codes []Barcode
	for len(data) >= group {
		codes = append(codes, Barcode{Kind: data[:2], Code: data[2:group]})
		data = data[group:]
	}

	return codes
}
