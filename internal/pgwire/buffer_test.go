package pgwire

import (
	"bytes"
	"testing"
)

func TestBufferWriteRead(t *testing.T) {
	buf := NewBuffer(64)

	_ = buf.WriteByte(42)
	buf.WriteInt16(1234)
	buf.WriteInt32(567890)
	buf.WriteString("hello")
	buf.WriteBytes([]byte{1, 2, 3})

	rd := NewReadBuffer(buf.Bytes())

	b, err := rd.ReadByte()
	if err != nil || b != 42 {
		t.Errorf("ReadByte: got %d, want 42", b)
	}

	i16, err := rd.ReadInt16()
	if err != nil || i16 != 1234 {
		t.Errorf("ReadInt16: got %d, want 1234", i16)
	}

	i32, err := rd.ReadInt32()
	if err != nil || i32 != 567890 {
		t.Errorf("ReadInt32: got %d, want 567890", i32)
	}

	s, err := rd.ReadString()
	if err != nil || s != "hello" {
		t.Errorf("ReadString: got %q, want 'hello'", s)
	}

	data, err := rd.ReadBytes(3)
	if err != nil || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("ReadBytes: got %v, want [1 2 3]", data)
	}

	if rd.Remaining() != 0 {
		t.Errorf("Remaining: got %d, want 0", rd.Remaining())
	}
}

func TestMessageFraming(t *testing.T) {
	var stream bytes.Buffer
	if err := WriteMessage(&stream, MsgQuery, []byte("select 1\x00")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// Type byte plus int32 length (covering itself) plus payload.
	raw := stream.Bytes()
	if raw[0] != 'Q' {
		t.Errorf("type byte = %c, want Q", raw[0])
	}
	wantLen := []byte{0x00, 0x00, 0x00, 13}
	if !bytes.Equal(raw[1:5], wantLen) {
		t.Errorf("length = % x, want % x", raw[1:5], wantLen)
	}

	msgType, payload, err := ReadMessage(&stream)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != MsgQuery || string(payload) != "select 1\x00" {
		t.Errorf("round trip: type=%c payload=%q", msgType, payload)
	}
}

func TestParseStartupMessage(t *testing.T) {
	buf := NewBuffer(256)
	buf.WriteInt32(ProtocolVersionNumber)
	buf.WriteString("user")
	buf.WriteString("testuser")
	buf.WriteString("database")
	buf.WriteString("testdb")
	_ = buf.WriteByte(0)

	version, params, err := ParseStartupMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseStartupMessage: %v", err)
	}

	if version != ProtocolVersionNumber {
		t.Errorf("version: got %d, want %d", version, ProtocolVersionNumber)
	}
	if params["user"] != "testuser" {
		t.Errorf("user: got %q, want 'testuser'", params["user"])
	}
	if params["database"] != "testdb" {
		t.Errorf("database: got %q, want 'testdb'", params["database"])
	}
}

func TestBuildErrorResponse(t *testing.T) {
	payload := BuildErrorResponse("ERROR", "22023", `invalid value for parameter "bytea_output": "raw"`,
		"Available values: escape, hex.")

	buf := NewReadBuffer(payload)
	fields := make(map[byte]string)
	for {
		fieldType, err := buf.ReadByte()
		if err != nil || fieldType == 0 {
			break
		}
		value, _ := buf.ReadString()
		fields[fieldType] = value
	}

	if fields[FieldSeverity] != "ERROR" {
		t.Errorf("severity: got %q", fields[FieldSeverity])
	}
	if fields[FieldCode] != "22023" {
		t.Errorf("code: got %q", fields[FieldCode])
	}
	if fields[FieldMessage] != `invalid value for parameter "bytea_output": "raw"` {
		t.Errorf("message: got %q", fields[FieldMessage])
	}
	if fields[FieldHint] != "Available values: escape, hex." {
		t.Errorf("hint: got %q", fields[FieldHint])
	}
}

func TestBuildErrorResponseOmitsEmptyHint(t *testing.T) {
	payload := BuildErrorResponse("ERROR", "XX000", "boom", "")
	if bytes.IndexByte(payload, FieldHint) >= 0 {
		// 'H' can appear inside the message text, so check field structure.
		buf := NewReadBuffer(payload)
		for {
			fieldType, err := buf.ReadByte()
			if err != nil || fieldType == 0 {
				break
			}
			if fieldType == FieldHint {
				t.Fatal("hint field present for empty hint")
			}
			_, _ = buf.ReadString()
		}
	}
}

func TestBuildCopyResponse(t *testing.T) {
	payload := BuildCopyResponse(FormatBinary, 3)
	want := []byte{
		0x01,       // overall format: binary
		0x00, 0x03, // three columns
		0x00, 0x01, 0x00, 0x01, 0x00, 0x01,
	}
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = % x, want % x", payload, want)
	}
}

func TestBuildParameterDescription(t *testing.T) {
	payload := BuildParameterDescription(2)
	want := []byte{0x00, 0x02, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = % x, want % x", payload, want)
	}
}
