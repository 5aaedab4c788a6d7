package discovery

import (
	"encoding/binary"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/databento/dbn-go"
)

// buildRecord assembles a raw record buffer of byteLen bytes (a
// multiple of 4, at least 16) with the given rtype and instrument id,
// and writes text at the given payload offset, NUL-padded to the end
// of the buffer.
func buildRecord(byteLen int, rtype byte, instrumentID uint32, textOffset int, text string) []byte {
	b := make([]byte, byteLen)
	b[0] = byte(byteLen / 4)
	b[1] = rtype
	binary.LittleEndian.PutUint32(b[4:8], instrumentID)
	if text != "" {
		copy(b[textOffset:], text)
	}
	return b
}

func decode(raw []byte) dbn.Record {
	hdr := dbn.ParseHeader(raw)
	return dbn.DecodeRecord(hdr, raw)
}

func TestDiscovery_EndToEndBucketingAndCrossReference(t *testing.T) {
	d := New("fake-api-key")
	d.state = StateSubscribed

	spySym := "SPY   240621C00450000" // 21 bytes: root "SPY" padded to 6
	aaplSym := "AAPL  240621P00150000"

	spyMapping := buildRecord(112, dbn.RTypeSymbolMapping, 1001, 41, spySym)
	aaplMapping := buildRecord(112, dbn.RTypeSymbolMapping, 1002, 41, aaplSym)
	spyDef := buildRecord(16, dbn.RTypeSecurityDefinition, 1001, 0, "")
	aaplDef := buildRecord(16, dbn.RTypeSecurityDefinition, 1002, 0, "")
	finished := buildRecord(48, dbn.RTypeSystemMessage, 0, 16, finishedSentinel)

	d.onSymbolMapping(decode(spyMapping).(dbn.SymbolMapping))
	d.onSymbolMapping(decode(aaplMapping).(dbn.SymbolMapping))
	d.onSecurityDefinition(decode(spyDef).(dbn.SecurityDefinition))
	d.onSecurityDefinition(decode(aaplDef).(dbn.SecurityDefinition))
	d.onSystemMessage(decode(finished).(dbn.SystemMessage))

	assert.Equal(t, d.State(), StateXref)

	d.crossReference()

	roots := d.Catalog().Roots()
	assert.Equal(t, len(roots), 2)
	assert.Equal(t, roots[0].Root, "AAPL")
	assert.Equal(t, roots[1].Root, "SPY")

	assert.Equal(t, len(roots[1].Options), 1)
	opt := roots[1].Options[0]
	assert.Equal(t, opt.InstrumentID, uint32(1001))
	sdef, ok := opt.Sdef.(dbn.SecurityDefinition)
	assert.Assert(t, ok)
	assert.Equal(t, sdef.Header().InstrumentID, uint32(1001))
}

func TestDiscovery_OnSystemMessage_IgnoresOtherText(t *testing.T) {
	d := New("fake-api-key")
	d.state = StateSubscribed

	other := buildRecord(48, dbn.RTypeSystemMessage, 0, 16, "heartbeat")
	d.onSystemMessage(decode(other).(dbn.SystemMessage))

	assert.Equal(t, d.State(), StateSubscribed)
}

func TestDiscovery_OnErrorMessage_SetsErrorState(t *testing.T) {
	d := New("fake-api-key")
	d.state = StateSubscribed

	errRec := buildRecord(48, dbn.RTypeErrorMessage, 0, 16, "symbology error")
	d.onErrorMessage(decode(errRec).(dbn.ErrorMessage))

	assert.Equal(t, d.State(), StateError)
	assert.Equal(t, d.Err(), "symbology error")
}

func TestDiscovery_OnSymbolMapping_IgnoresNonOSISymbol(t *testing.T) {
	d := New("fake-api-key")

	bad := buildRecord(112, dbn.RTypeSymbolMapping, 2001, 41, "TOOSHORT")
	d.onSymbolMapping(decode(bad).(dbn.SymbolMapping))

	assert.Equal(t, d.Catalog().Len(), 0)
}
