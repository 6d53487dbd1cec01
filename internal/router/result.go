package router

import (
	"fmt"
	"strconv"

	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/pgwire"
)

// oidText is the type OID of the text type, used for gateway-generated
// columns such as SHOW output.
const oidText = 25

// textColumn describes a gateway-generated text column.
func textColumn(name string) executor.Column {
	return executor.Column{
		Name:         name,
		TypeOID:      oidText,
		TypeSize:     -1,
		TypeModifier: -1,
	}
}

// sendRowSet serializes a complete row set as RowDescription + DataRow* +
// CommandComplete. An empty tag produces the usual "SELECT n".
func sendRowSet(client *pgwire.ClientConn, rs *executor.RowSet, tag string) error {
	if err := sendRowDescription(client, rs.Columns); err != nil {
		return fmt.Errorf("send row description: %w", err)
	}

	for _, row := range rs.Rows {
		if err := sendDataRow(client, row); err != nil {
			return fmt.Errorf("send data row: %w", err)
		}
	}

	cmdTag := tag
	if tag == "" {
		cmdTag = "SELECT " + strconv.Itoa(len(rs.Rows))
	}
	return client.SendCommandComplete(cmdTag)
}

// sendRowDescription builds and sends a RowDescription ('T') message.
func sendRowDescription(client *pgwire.ClientConn, columns []executor.Column) error {
	buf := pgwire.NewBuffer(256)

	buf.WriteInt16(int16(len(columns))) // #nosec G115 -- column count fits in int16

	for _, c := range columns {
		// Field name (null-terminated)
		buf.WriteString(c.Name)

		// Table OID and attribute number: 0, the column is not tied to a
		// catalog-visible table from the client's perspective.
		buf.WriteInt32(0)
		buf.WriteInt16(0)

		buf.WriteInt32(int32(c.TypeOID)) // #nosec G115 -- OID fits in int32
		buf.WriteInt16(c.TypeSize)
		buf.WriteInt32(c.TypeModifier)

		// Format code: everything is sent in text format.
		buf.WriteInt16(pgwire.FormatText)
	}

	return client.WriteMessage(pgwire.MsgRowDescription, buf.Bytes())
}

// sendDataRow builds and sends a DataRow ('D') message with text-format
// values. A nil value becomes SQL NULL (-1 length).
func sendDataRow(client *pgwire.ClientConn, values []any) error {
	buf := pgwire.NewBuffer(256)

	buf.WriteInt16(int16(len(values))) // #nosec G115 -- column count fits in int16

	for _, v := range values {
		if v == nil {
			buf.WriteInt32(-1)
			continue
		}
		text := []byte(formatValue(v))
		buf.WriteInt32(int32(len(text))) // #nosec G115 -- text length fits in int32
		buf.WriteBytes(text)
	}

	return client.WriteMessage(pgwire.MsgDataRow, buf.Bytes())
}

// formatValue converts a Go value to its Postgres text representation.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "t"
		}
		return "f"
	default:
		return fmt.Sprintf("%v", val)
	}
}
