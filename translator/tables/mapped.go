// Package tables holds the concrete translators for the replicated dataset.
package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator"
)

// Kind is the value type of a mapped field
type Kind int

const (
	String Kind = iota
	Number
	Bool
	Date
	// Reference holds the id of a row in Field.Ref. Legacy payloads use ""
	// for "no reference", which is stored as null.
	Reference
)

const dateLayout = "2006-01-02"

// Field maps one wire field to one internal field
type Field struct {
	External string
	Internal string
	Kind     Kind
	Required bool
	// Ref is the internal table a Reference points at
	Ref string
}

// Mapped translates a wire table whose rows map field by field onto one
// internal table.
type Mapped struct {
	External string
	Internal string
	Deps     []string
	Fields   []Field
	// StoreField and OwnerField name internal fields copied into the
	// changelog metadata of every write
	StoreField string
	OwnerField string
}

var _ translator.Translator = (*Mapped)(nil)

func (m *Mapped) TableName() string      { return m.External }
func (m *Mapped) Dependencies() []string { return m.Deps }

// References lists the internal reference constraints of the table
func (m *Mapped) References() []store.Reference {
	var refs []store.Reference
	for _, f := range m.Fields {
		if f.Kind == Reference && f.Ref != "" {
			refs = append(refs, store.Reference{Table: m.Internal, Field: f.Internal, RefTable: f.Ref})
		}
	}
	return refs
}

func (m *Mapped) TryFromExternal(rec translator.ExternalRecord) ([]store.Op, bool, error) {
	if rec.TableName != m.External {
		return nil, false, nil
	}

	if rec.Action == common.ActionDelete {
		return []store.Op{{Table: m.Internal, ID: rec.RecordID, Action: common.ActionDelete}}, true, nil
	}

	row, err := m.Decode(rec)
	if err != nil {
		return nil, true, err
	}

	return []store.Op{{
		Table:  m.Internal,
		ID:     rec.RecordID,
		Action: common.ActionUpsert,
		Row:    row,
		Meta:   m.meta(row),
	}}, true, nil
}

// Decode converts the wire payload of rec into an internal row
func (m *Mapped) Decode(rec translator.ExternalRecord) (store.Row, error) {
	payload, err := decodeObject(rec)
	if err != nil {
		return nil, err
	}

	row := make(store.Row, len(m.Fields))
	for _, f := range m.Fields {
		raw, present := payload[f.External]
		if !present || raw == nil {
			if f.Required {
				return nil, translationErr(rec, fmt.Errorf("missing required field %q", f.External))
			}
			continue
		}

		v, err := convert(f, raw)
		if err != nil {
			return nil, translationErr(rec, fmt.Errorf("field %q: %w", f.External, err))
		}
		if v != nil {
			row[f.Internal] = v
		}
	}
	return row, nil
}

func (m *Mapped) TryToExternal(ctx context.Context, r store.Reader, entry store.ChangelogEntry) (*translator.ExternalRecord, bool, error) {
	if entry.TableName != m.Internal {
		return nil, false, nil
	}

	if entry.Action == common.ActionDelete {
		return &translator.ExternalRecord{
			TableName: m.External,
			RecordID:  entry.RowID,
			Action:    common.ActionDelete,
		}, true, nil
	}

	row, err := r.Get(ctx, m.Internal, entry.RowID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}

	data, err := m.Encode(entry.RowID, row)
	if err != nil {
		return nil, true, &common.TranslationError{Table: m.Internal, RecordID: entry.RowID, Err: err}
	}

	return &translator.ExternalRecord{
		TableName: m.External,
		RecordID:  entry.RowID,
		Action:    common.ActionUpsert,
		Data:      data,
	}, true, nil
}

// Encode converts an internal row into the wire payload
func (m *Mapped) Encode(id string, row store.Row) (json.RawMessage, error) {
	payload := map[string]any{"ID": id}
	for _, f := range m.Fields {
		v, ok := row[f.Internal]
		if !ok || v == nil {
			if f.Kind == Reference || f.Kind == String {
				payload[f.External] = ""
			}
			continue
		}
		payload[f.External] = v
	}
	return json.Marshal(payload)
}

func (m *Mapped) meta(row store.Row) store.Meta {
	var meta store.Meta
	if m.StoreField != "" {
		meta.StoreID = row.String(m.StoreField)
	}
	if m.OwnerField != "" {
		meta.OwnerID = row.String(m.OwnerField)
	}
	return meta
}

func decodeObject(rec translator.ExternalRecord) (map[string]any, error) {
	if len(rec.Data) == 0 {
		return nil, translationErr(rec, errors.New("empty payload"))
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return nil, translationErr(rec, fmt.Errorf("malformed payload: %w", err))
	}
	if payload == nil {
		return nil, translationErr(rec, errors.New("payload is not an object"))
	}
	return payload, nil
}

func translationErr(rec translator.ExternalRecord, err error) error {
	return &common.TranslationError{Table: rec.TableName, RecordID: rec.RecordID, Err: err}
}

func convert(f Field, raw any) (any, error) {
	switch f.Kind {
	case String:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		}

	case Reference:
		if v, ok := raw.(string); ok {
			if v == "" {
				return nil, nil
			}
			return v, nil
		}

	case Number:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			if strings.TrimSpace(v) == "" {
				return float64(0), nil
			}
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return n, nil
		}

	case Bool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("not a boolean: %q", v)
			}
			return b, nil
		case float64:
			return v != 0, nil
		}

	case Date:
		if v, ok := raw.(string); ok {
			return parseDate(v)
		}
	}

	return nil, fmt.Errorf("unexpected %T", raw)
}

// parseDate accepts plain dates and timestamps. Legacy payloads send
// "0000-00-00" for "no date".
func parseDate(v string) (any, error) {
	if v == "" || strings.HasPrefix(v, "0000-00-00") {
		return nil, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t.Format(dateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(dateLayout), nil
	}
	if len(v) >= len(dateLayout) {
		if t, err := time.Parse(dateLayout, v[:len(dateLayout)]); err == nil {
			return t.Format(dateLayout), nil
		}
	}
	return nil, fmt.Errorf("not a date: %q", v)
}
