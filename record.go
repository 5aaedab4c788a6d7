package dbn

import "encoding/binary"

// Record-type discriminator values, as carried on the wire in byte 1
// of every record.
const (
	RTypeSymbolMapping      byte = 0x16
	RTypeSecurityDefinition byte = 0x13
	RTypeErrorMessage       byte = 0x15
	RTypeSystemMessage      byte = 0x17
	RTypeCMBP1              byte = 0xB1
	RTypeBBO1S              byte = 0xC0
	RTypeBBO1M              byte = 0xC1
	RTypeTCBBO              byte = 0xC2
	RTypeTBBO               byte = 0xC3
	RTypeBBOMBP1            byte = 0xC4
)

// minRecordLen is the minimum byte length of any valid DBN record
// (rlength=4 => 4*4=16 bytes).
const minRecordLen = 16

// Header is the common 16-byte prefix shared by every DBN record.
type Header struct {
	Length       uint8  // rlength, in units of 4 bytes
	RType        byte
	PublisherID  uint16
	InstrumentID uint32
	TSEvent      uint64 // nanoseconds since epoch
}

// ParseHeader decodes the common 16-byte record prefix from b. b must
// be at least 16 bytes long.
func ParseHeader(b []byte) Header {
	return Header{
		Length:       b[0],
		RType:        b[1],
		PublisherID:  binary.LittleEndian.Uint16(b[2:4]),
		InstrumentID: binary.LittleEndian.Uint32(b[4:8]),
		TSEvent:      binary.LittleEndian.Uint64(b[8:16]),
	}
}

// ByteLen returns the actual on-wire byte length of the record this
// header describes.
func (h Header) ByteLen() int {
	return int(h.Length) * 4
}

// Record is the common interface implemented by every typed record
// view. The underlying byte slice is only valid for the duration of
// the sink call that received it; implementations must be copied by
// the caller if retained, per the framing reader's ownership contract.
type Record interface {
	Header() Header
	Bytes() []byte
}

type baseRecord struct {
	hdr Header
	raw []byte
}

func (b baseRecord) Header() Header { return b.hdr }
func (b baseRecord) Bytes() []byte  { return b.raw }

// SymbolMapping is a zero-copy view of a symbol-mapping record
// (RTypeSymbolMapping). Only the fields needed by the discovery
// wrapper are decoded; offsets follow Databento's v2 SymbolMappingMsg
// layout (stype_out_symbol is a fixed 71-byte ASCII field at offset 41
// in the v2 wire format, trailing NUL padded).
type SymbolMapping struct {
	baseRecord
}

// StypeOutSymbol returns the trailing-NUL-trimmed symbol text.
func (s SymbolMapping) StypeOutSymbol() string {
	const off = 41
	const width = 71
	raw := s.raw
	if len(raw) < off+width {
		return ""
	}
	field := raw[off : off+width]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// SecurityDefinition is a zero-copy view of a security-definition
// record (RTypeSecurityDefinition). Callers that retain one must copy
// Bytes() into owned storage (see pkg/discovery, which does exactly
// that via Clone).
type SecurityDefinition struct {
	baseRecord
}

// Clone returns a copy of the record backed by owned storage, safe to
// retain past the sink call that produced the original view.
func (s SecurityDefinition) Clone() SecurityDefinition {
	raw := make([]byte, len(s.raw))
	copy(raw, s.raw)
	return SecurityDefinition{baseRecord{hdr: s.hdr, raw: raw}}
}

// ErrorMessage is a zero-copy view of a server error-message record
// (RTypeErrorMessage).
type ErrorMessage struct {
	baseRecord
}

// Text returns the trailing-NUL-trimmed error text. Offset matches
// Databento's ErrorMsg.err field (starting at byte 16, 302 bytes wide
// in the v2 wire format).
func (e ErrorMessage) Text() string {
	const off = 16
	raw := e.raw
	if len(raw) <= off {
		return ""
	}
	field := raw[off:]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// SystemMessage is a zero-copy view of a system-message record
// (RTypeSystemMessage), used by the discovery wrapper to detect the
// "Finished definition replay" sentinel that ends a replay.
type SystemMessage struct {
	baseRecord
}

// Text returns the trailing-NUL-trimmed message text, matching
// Databento's SystemMsg.msg field (starting at byte 16, 303 bytes wide).
func (s SystemMessage) Text() string {
	const off = 16
	raw := s.raw
	if len(raw) <= off {
		return ""
	}
	field := raw[off:]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// CMBP1 is a zero-copy view of a consolidated-MBP-1 record.
type CMBP1 struct {
	baseRecord
}

// BBO is a zero-copy view of any BBO/CBBO interval-variant record
// (RTypeBBO1S, RTypeBBO1M, RTypeTCBBO, RTypeTBBO, RTypeBBOMBP1).
type BBO struct {
	baseRecord
}

// Other is the catch-all view for any rtype the caller doesn't
// special-case; it carries the full record bytes unexamined so the
// framing reader can still advance past it by rlength*4 bytes without
// understanding its payload.
type Other struct {
	baseRecord
}

// DecodeRecord builds the typed Record view for a raw, already
// length-validated record slice (b has exactly hdr.ByteLen() bytes).
// Exported so callers that obtain raw record bytes from outside a
// Session's record sink (tests, recorded captures) can still decode
// them into the same typed views.
func DecodeRecord(hdr Header, b []byte) Record {
	base := baseRecord{hdr: hdr, raw: b}
	switch hdr.RType {
	case RTypeSymbolMapping:
		return SymbolMapping{base}
	case RTypeSecurityDefinition:
		return SecurityDefinition{base}
	case RTypeErrorMessage:
		return ErrorMessage{base}
	case RTypeSystemMessage:
		return SystemMessage{base}
	case RTypeCMBP1:
		return CMBP1{base}
	case RTypeBBO1S, RTypeBBO1M, RTypeTCBBO, RTypeTBBO, RTypeBBOMBP1:
		return BBO{base}
	default:
		return Other{base}
	}
}
