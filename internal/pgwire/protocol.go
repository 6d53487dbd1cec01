package pgwire

// Postgres wire protocol message types.
// Reference: https://www.postgresql.org/docs/current/protocol-message-formats.html

// Frontend (client -> server) message types
const (
	// Simple query
	MsgQuery byte = 'Q'

	// Extended query
	MsgParse    byte = 'P'
	MsgBind     byte = 'B'
	MsgDescribe byte = 'D'
	MsgExecute  byte = 'E'
	MsgClose    byte = 'C'
	MsgSync     byte = 'S'
	MsgFlush    byte = 'H'

	// Other
	MsgTerminate byte = 'X'
	MsgCopyData  byte = 'd'
	MsgCopyDone  byte = 'c'
	MsgCopyFail  byte = 'f'
)

// Backend (server -> client) message types
const (
	MsgAuthentication       byte = 'R'
	MsgBackendKeyData       byte = 'K'
	MsgBindComplete         byte = '2'
	MsgCloseComplete        byte = '3'
	MsgCommandComplete      byte = 'C'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
	MsgDataRow              byte = 'D'
	MsgEmptyQueryResponse   byte = 'I'
	MsgErrorResponse        byte = 'E'
	MsgNoData               byte = 'n'
	MsgNoticeResponse       byte = 'N'
	MsgParameterDescription byte = 't'
	MsgParameterStatus      byte = 'S'
	MsgParseComplete        byte = '1'
	MsgPortalSuspended      byte = 's'
	MsgReadyForQuery        byte = 'Z'
	MsgRowDescription       byte = 'T'
)

// Authentication types
const (
	AuthOK = 0
)

// Transaction status indicators (ReadyForQuery)
const (
	TxStatusIdle   byte = 'I' // not in a transaction
	TxStatusInTx   byte = 'T' // in a transaction
	TxStatusFailed byte = 'E' // in a failed transaction
)

// Format codes for parameters and result columns
const (
	FormatText   int16 = 0
	FormatBinary int16 = 1
)

// Protocol version and negotiation request codes
const (
	ProtocolVersionNumber = 196608 // 3.0 = (3 << 16) | 0
	SSLRequestCode        = 80877103
	CancelRequestCode     = 80877102
	GSSENCRequestCode     = 80877104
)

// Error and notice field types
const (
	FieldSeverity         byte = 'S'
	FieldSeverityNonLocal byte = 'V'
	FieldCode             byte = 'C'
	FieldMessage          byte = 'M'
	FieldHint             byte = 'H'
)

// --- Helpers for building message payloads ---

// BuildErrorResponse creates an ErrorResponse payload. The hint field is only
// included when non-empty.
func BuildErrorResponse(severity, code, message, hint string) []byte {
	buf := NewBuffer(256)

	_ = buf.WriteByte(FieldSeverity)
	buf.WriteString(severity)

	_ = buf.WriteByte(FieldSeverityNonLocal)
	buf.WriteString(severity)

	_ = buf.WriteByte(FieldCode)
	buf.WriteString(code)

	_ = buf.WriteByte(FieldMessage)
	buf.WriteString(message)

	if hint != "" {
		_ = buf.WriteByte(FieldHint)
		buf.WriteString(hint)
	}

	_ = buf.WriteByte(0) // terminator
	return buf.Bytes()
}

// BuildNoticeResponse creates a NoticeResponse payload (same shape as errors).
func BuildNoticeResponse(severity, code, message string) []byte {
	return BuildErrorResponse(severity, code, message, "")
}

// BuildReadyForQuery creates a ReadyForQuery payload.
func BuildReadyForQuery(txStatus byte) []byte {
	return []byte{txStatus}
}

// BuildParameterStatus creates a ParameterStatus payload.
func BuildParameterStatus(name, value string) []byte {
	buf := NewBuffer(64)
	buf.WriteString(name)
	buf.WriteString(value)
	return buf.Bytes()
}

// BuildAuthenticationOk creates an AuthenticationOk payload.
func BuildAuthenticationOk() []byte {
	buf := NewBuffer(4)
	buf.WriteInt32(AuthOK)
	return buf.Bytes()
}

// BuildBackendKeyData creates a BackendKeyData payload.
func BuildBackendKeyData(pid, secretKey int32) []byte {
	buf := NewBuffer(8)
	buf.WriteInt32(pid)
	buf.WriteInt32(secretKey)
	return buf.Bytes()
}

// BuildCommandComplete creates a CommandComplete payload.
func BuildCommandComplete(tag string) []byte {
	buf := NewBuffer(len(tag) + 1)
	buf.WriteString(tag)
	return buf.Bytes()
}

// BuildParameterDescription creates a ParameterDescription payload announcing
// count parameters of unspecified type (OID 0 lets the client infer).
func BuildParameterDescription(count int) []byte {
	buf := NewBuffer(2 + 4*count)
	buf.WriteInt16(int16(count)) // #nosec G115 -- parameter count fits in int16
	for i := 0; i < count; i++ {
		buf.WriteInt32(0)
	}
	return buf.Bytes()
}

// BuildCopyResponse creates a CopyInResponse or CopyOutResponse payload: the
// overall format followed by one per-column format code.
func BuildCopyResponse(format int16, columns int) []byte {
	buf := NewBuffer(3 + 2*columns)
	_ = buf.WriteByte(byte(format))
	buf.WriteInt16(int16(columns)) // #nosec G115 -- column count fits in int16
	for i := 0; i < columns; i++ {
		buf.WriteInt16(format)
	}
	return buf.Bytes()
}
