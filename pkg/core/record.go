package core

// Record is one generic data record of a tenant type.
type Record struct {
	ID     string
	TypeID string
	Fields map[string]any
}

// Clone returns a shallow copy of the record with its own field map.
func (r *Record) Clone() *Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{ID: r.ID, TypeID: r.TypeID, Fields: fields}
}
