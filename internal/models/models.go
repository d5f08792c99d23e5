package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Table names a local table known to the sync engine.
type Table string

const (
	TableHabits       Table = "habits"
	TableHabitLogs    Table = "habit_logs"
	TableFinanceLogs  Table = "finance_logs"
	TableNotes        Table = "notes"
	TableSyncWatermks Table = "sync_watermarks" // local only, never replicated
)

// SyncTables lists every replicated table in a stable order.
var SyncTables = []Table{TableHabits, TableHabitLogs, TableFinanceLogs, TableNotes}

// ParseTable maps a wire table name to a Table.
// Returns false for names the engine does not know about.
func ParseTable(name string) (Table, bool) {
	switch Table(name) {
	case TableHabits, TableHabitLogs, TableFinanceLogs, TableNotes, TableSyncWatermks:
		return Table(name), true
	default:
		return "", false
	}
}

// LocalOnly reports whether records of the table must never appear in a change-set.
func (t Table) LocalOnly() bool {
	return t == TableSyncWatermks
}

func (t Table) String() string { return string(t) }

// Record is one synchronizable row. Domain fields live in Fields; the
// remaining members are the bookkeeping columns every replicated table carries.
type Record struct {
	ID        string
	Fields    map[string]any
	Synced    bool
	DeletedAt *int64 // ms epoch, nil when live
	CreatedAt int64  // ms epoch
	UpdatedAt int64  // ms epoch
	DeviceID  string
}

// reserved keys are the bookkeeping columns in the flat wire form.
var reserved = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"device_id":  true,
	"synced":     true,
}

// IsReserved reports whether key names a bookkeeping column and so cannot be
// used as a domain field.
func IsReserved(key string) bool {
	return reserved[key]
}

// DecodeFields decodes a JSON object of domain fields. Numbers are kept as
// json.Number so integers beyond 2^53 survive the round trip.
func DecodeFields(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if err := decodeValue(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// DecodeValue decodes a single JSON value with the same number handling as DecodeFields.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := decodeValue(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeValue(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// IsDeleted reports whether the record is a tombstone.
func (r Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// MarshalJSON writes the record as a flat object: domain fields plus bookkeeping columns.
// The synced flag is local state and is not transmitted.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		if reserved[k] {
			continue
		}
		out[k] = v
	}
	out["id"] = r.ID
	out["created_at"] = r.CreatedAt
	out["updated_at"] = r.UpdatedAt
	if r.DeletedAt != nil {
		out["deleted_at"] = *r.DeletedAt
	} else {
		out["deleted_at"] = nil
	}
	if r.DeviceID != "" {
		out["device_id"] = r.DeviceID
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat wire form produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var rec Record
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &rec.ID); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
	}
	if rec.ID == "" {
		return fmt.Errorf("record without id")
	}
	for _, key := range []string{"created_at", "updated_at"} {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			continue
		}
		var ms int64
		if err := json.Unmarshal(v, &ms); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if key == "created_at" {
			rec.CreatedAt = ms
		} else {
			rec.UpdatedAt = ms
		}
	}
	if v, ok := raw["deleted_at"]; ok && string(v) != "null" {
		var ms int64
		if err := json.Unmarshal(v, &ms); err != nil {
			return fmt.Errorf("decode deleted_at: %w", err)
		}
		rec.DeletedAt = &ms
	}
	if v, ok := raw["device_id"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &rec.DeviceID); err != nil {
			return fmt.Errorf("decode device_id: %w", err)
		}
	}

	rec.Fields = make(map[string]any)
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		val, err := DecodeValue(v)
		if err != nil {
			return fmt.Errorf("decode field %s: %w", k, err)
		}
		rec.Fields[k] = val
	}

	*r = rec
	return nil
}

// TableChanges is the created/updated/deleted delta for one table.
type TableChanges struct {
	Created []Record `json:"created"`
	Updated []Record `json:"updated"`
	Deleted []string `json:"deleted"`
}

// Len returns the total number of entries.
func (tc TableChanges) Len() int {
	return len(tc.Created) + len(tc.Updated) + len(tc.Deleted)
}

// ChangeSet aggregates table deltas keyed by table.
type ChangeSet map[Table]TableChanges

// Counts tallies created, updated and deleted entries.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Total returns the sum of all three counters.
func (c Counts) Total() int {
	return c.Created + c.Updated + c.Deleted
}

// Add returns the element-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Created: c.Created + o.Created,
		Updated: c.Updated + o.Updated,
		Deleted: c.Deleted + o.Deleted,
	}
}

func (c Counts) String() string {
	return fmt.Sprintf("created=%d updated=%d deleted=%d", c.Created, c.Updated, c.Deleted)
}

// Counts tallies entries across every table except local-only ones.
func (cs ChangeSet) Counts() Counts {
	var c Counts
	for t, tc := range cs {
		if t.LocalOnly() {
			continue
		}
		c.Created += len(tc.Created)
		c.Updated += len(tc.Updated)
		c.Deleted += len(tc.Deleted)
	}
	return c
}

// IsEmpty reports whether the change-set carries no entries at all.
func (cs ChangeSet) IsEmpty() bool {
	for _, tc := range cs {
		if tc.Len() > 0 {
			return false
		}
	}
	return true
}

// WithoutLocalOnly returns a copy of cs with every local-only table removed.
// Tables with no entries are dropped as well.
func (cs ChangeSet) WithoutLocalOnly() ChangeSet {
	out := make(ChangeSet, len(cs))
	for t, tc := range cs {
		if t.LocalOnly() || tc.Len() == 0 {
			continue
		}
		out[t] = tc
	}
	return out
}

// Tables returns the tables present in cs, sorted by name.
func (cs ChangeSet) Tables() []Table {
	tables := make([]Table, 0, len(cs))
	for t := range cs {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}

// MarshalJSON writes the change-set as an object keyed by table name,
// with empty lists rather than nulls.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]TableChanges, len(cs))
	for t, tc := range cs {
		if tc.Created == nil {
			tc.Created = []Record{}
		}
		if tc.Updated == nil {
			tc.Updated = []Record{}
		}
		if tc.Deleted == nil {
			tc.Deleted = []string{}
		}
		out[string(t)] = tc
	}
	return json.Marshal(out)
}

// WatermarkKey is the fixed key of the single sync cursor row.
const WatermarkKey = "last_sync"

// Cursor is the pair of sync watermarks, in ms epoch.
type Cursor struct {
	LastPulledAt int64 `json:"last_pulled_at"`
	LastPushedAt int64 `json:"last_pushed_at"`
}

// Watermark is a stored cursor row. More than one row per key is corruption.
type Watermark struct {
	ID           string
	Key          string
	LastPulledAt int64
	LastPushedAt int64
	UpdatedAt    int64
}

// Cursor returns the cursor values of the row.
func (w Watermark) Cursor() Cursor {
	return Cursor{LastPulledAt: w.LastPulledAt, LastPushedAt: w.LastPushedAt}
}

// Millis converts t to ms epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts ms epoch to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
