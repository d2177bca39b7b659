package tables

import (
	"context"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator"
)

const (
	nameStoreJoinTable  = "name_store_join"
	userPermissionTable = "user_permission"
	storeAccess         = "store_access"
)

// NameStoreJoin links a name (customer/supplier) to a store. Every active
// join also grants a derived store_access permission row, so one wire record
// fans out to two internal rows. The permission rows are site-local and are
// never pushed.
type NameStoreJoin struct {
	join Mapped
}

var _ translator.Translator = (*NameStoreJoin)(nil)

// NewNameStoreJoin creates the translator
func NewNameStoreJoin() *NameStoreJoin {
	return &NameStoreJoin{join: Mapped{
		External: nameStoreJoinTable,
		Internal: nameStoreJoinTable,
		Deps:     []string{"name", "store"},
		Fields: []Field{
			{External: "name_ID", Internal: "name_id", Kind: Reference, Required: true, Ref: "name"},
			{External: "store_ID", Internal: "store_id", Kind: Reference, Required: true, Ref: "store"},
			{External: "inactive", Internal: "inactive", Kind: Bool},
		},
		StoreField: "store_id",
	}}
}

func (n *NameStoreJoin) TableName() string      { return nameStoreJoinTable }
func (n *NameStoreJoin) Dependencies() []string { return n.join.Deps }

// References lists the internal reference constraints of the join row
func (n *NameStoreJoin) References() []store.Reference {
	return n.join.References()
}

// PermissionID is the id of the permission row derived from a join
func PermissionID(joinID string) string {
	return "nsj_" + joinID
}

func (n *NameStoreJoin) TryFromExternal(rec translator.ExternalRecord) ([]store.Op, bool, error) {
	if rec.TableName != nameStoreJoinTable {
		return nil, false, nil
	}

	permID := PermissionID(rec.RecordID)

	if rec.Action == common.ActionDelete {
		return []store.Op{
			{Table: userPermissionTable, ID: permID, Action: common.ActionDelete},
			{Table: nameStoreJoinTable, ID: rec.RecordID, Action: common.ActionDelete},
		}, true, nil
	}

	row, err := n.join.Decode(rec)
	if err != nil {
		return nil, true, err
	}
	meta := n.join.meta(row)

	ops := []store.Op{{Table: nameStoreJoinTable, ID: rec.RecordID, Action: common.ActionUpsert, Row: row, Meta: meta}}

	if inactive, _ := row["inactive"].(bool); inactive {
		ops = append(ops, store.Op{Table: userPermissionTable, ID: permID, Action: common.ActionDelete, Meta: meta})
	} else {
		ops = append(ops, store.Op{
			Table:  userPermissionTable,
			ID:     permID,
			Action: common.ActionUpsert,
			Row: store.Row{
				"name_id":    row["name_id"],
				"store_id":   row["store_id"],
				"permission": storeAccess,
			},
			Meta: meta,
		})
	}
	return ops, true, nil
}

func (n *NameStoreJoin) TryToExternal(ctx context.Context, r store.Reader, entry store.ChangelogEntry) (*translator.ExternalRecord, bool, error) {
	if entry.TableName != nameStoreJoinTable {
		return nil, false, nil
	}

	return n.join.TryToExternal(ctx, r, entry)
}
