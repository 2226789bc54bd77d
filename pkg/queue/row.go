// Package queue implements PHINEAS's pluggable durable row store: the
// queue/type/connection registry, row CRUD, and the pop discipline that
// differs between transport-bearing and plain queues (spec §3, §4.9).
package queue

import "strings"

// RowType describes the ordered field list of a row kind. Fields[0] is
// always the row identifier field. TransportBearing mirrors spec §3:
// "the presence of TRANSPORTSTATUS marks the queue as transport-bearing."
type RowType struct {
	Name             string
	Fields           []string
	TransportBearing bool
}

func (t *RowType) idField() string {
	return t.Fields[0]
}

func (t *RowType) hasField(name string) bool {
	for _, f := range t.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// SendTransportRowType is the outbound transport row described in spec §3.
var SendTransportRowType = &RowType{
	Name: "SendTransport",
	Fields: []string{
		"ROWID",
		"MESSAGEID",
		"PAYLOADFILE",
		"DESTINATIONFILENAME",
		"ROUTEINFO",
		"SERVICE",
		"ACTION",
		"ARGUMENTS",
		"MESSAGERECIPIENT",
		"MESSAGECREATIONTIME",
		"ENCRYPTION",
		"SIGNATURE",
		"CERTIFICATEURL",
		"PROCESSINGSTATUS",
		"TRANSPORTSTATUS",
		"TRANSPORTERRORCODE",
		"APPLICATIONSTATUS",
		"APPLICATIONERRORCODE",
		"APPLICATIONRESPONSE",
		"MESSAGESENTTIME",
		"MESSAGERECEIVEDTIME",
		"RESPONSEMESSAGEID",
		"PRIORITY",
	},
	TransportBearing: true,
}

// ReceiveRowType is the inbound row described in spec §3.
var ReceiveRowType = &RowType{
	Name: "Receive",
	Fields: []string{
		"ROWID",
		"MESSAGEID",
		"PAYLOADNAME",
		"LOCALFILENAME",
		"SERVICE",
		"ACTION",
		"ARGUMENTS",
		"FROMPARTYID",
		"MESSAGERECIPIENT",
		"ERRORCODE",
		"ERRORMESSAGE",
		"PROCESSINGSTATUS",
		"APPLICATIONSTATUS",
		"ENCRYPTION",
		"RECEIVEDTIME",
		"LASTUPDATETIME",
		"PROCESSID",
	},
	TransportBearing: false,
}

// Row is an ordered tuple of named string fields (spec §3). The zero value
// of RowID means "not yet assigned"; Push assigns it on insert.
type Row struct {
	Type   *RowType
	RowID  int64
	Values map[string]string
}

// NewRow allocates a row of the given type with all fields defaulted to
// the empty string.
func NewRow(t *RowType) *Row {
	r := &Row{Type: t, Values: make(map[string]string, len(t.Fields))}
	for _, f := range t.Fields {
		r.Values[f] = ""
	}
	return r
}

// Get returns a field's value, or "" if the field does not exist on this
// row type.
func (r *Row) Get(field string) string {
	return r.Values[field]
}

// Set assigns a field's value. Setting the id field directly is allowed
// but discouraged; Push is the normal way rows acquire an id.
func (r *Row) Set(field, value string) {
	r.Values[field] = value
}

// Clone returns a borrowed-copy-safe duplicate, matching spec §3's
// Ownership note that rows returned from a queue are borrowed copies the
// caller must not mutate in place.
func (r *Row) Clone() *Row {
	cp := &Row{Type: r.Type, RowID: r.RowID, Values: make(map[string]string, len(r.Values))}
	for k, v := range r.Values {
		cp.Values[k] = v
	}
	return cp
}

// Format renders the row as a tab-delimited line in field order, used by
// the file backend (spec §4.9.1). A value carrying a tab or newline would
// otherwise split the line into extra columns or rows on the next parse
// (e.g. ERRORMESSAGE populated from a filter's multi-line stderr), so
// those bytes are replaced with a space before being written.
func (r *Row) Format() string {
	out := make([]byte, 0, 256)
	for i, f := range r.Type.Fields {
		if i > 0 {
			out = append(out, '\t')
		}
		out = append(out, sanitizeFieldValue(r.Values[f])...)
	}
	return string(out)
}

func sanitizeFieldValue(v string) string {
	if strings.IndexAny(v, "\t\r\n") < 0 {
		return v
	}
	b := []byte(v)
	for i, c := range b {
		if c == '\t' || c == '\r' || c == '\n' {
			b[i] = ' '
		}
	}
	return string(b)
}
