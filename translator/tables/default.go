package tables

import (
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator"
)

// FileReferenceTable is the internal and wire table of attachment metadata
const FileReferenceTable = "sync_file_reference"

// Name is customers, suppliers and the names behind stores
func Name() *Mapped {
	return &Mapped{
		External: "name",
		Internal: "name",
		Fields: []Field{
			{External: "name", Internal: "name", Kind: String, Required: true},
			{External: "code", Internal: "code", Kind: String},
			{External: "type", Internal: "type", Kind: String},
			{External: "customer", Internal: "is_customer", Kind: Bool},
			{External: "supplier", Internal: "is_supplier", Kind: Bool},
		},
	}
}

// Store carries the site a store is active on in site_id
func Store() *Mapped {
	return &Mapped{
		External: "store",
		Internal: "store",
		Deps:     []string{"name"},
		Fields: []Field{
			{External: "name", Internal: "name", Kind: String, Required: true},
			{External: "code", Internal: "code", Kind: String},
			{External: "name_ID", Internal: "name_id", Kind: Reference, Ref: "name"},
			{External: "sync_id_remote_site", Internal: "site_id", Kind: Number},
		},
	}
}

func Item() *Mapped {
	return &Mapped{
		External: "item",
		Internal: "item",
		Fields: []Field{
			{External: "item_name", Internal: "name", Kind: String, Required: true},
			{External: "code", Internal: "code", Kind: String},
			{External: "unit_ID", Internal: "unit", Kind: String},
			{External: "type_of", Internal: "type", Kind: String},
			{External: "default_pack_size", Internal: "default_pack_size", Kind: Number},
		},
	}
}

func Location() *Mapped {
	return &Mapped{
		External: "Location",
		Internal: "location",
		Deps:     []string{"store"},
		Fields: []Field{
			{External: "code", Internal: "code", Kind: String},
			{External: "Description", Internal: "name", Kind: String},
			{External: "store_ID", Internal: "store_id", Kind: Reference, Required: true, Ref: "store"},
			{External: "hold", Internal: "on_hold", Kind: Bool},
		},
		StoreField: "store_id",
	}
}

// StockLine is the legacy item_line table
func StockLine() *Mapped {
	return &Mapped{
		External: "item_line",
		Internal: "stock_line",
		Deps:     []string{"item", "store", "Location"},
		Fields: []Field{
			{External: "item_ID", Internal: "item_id", Kind: Reference, Required: true, Ref: "item"},
			{External: "store_ID", Internal: "store_id", Kind: Reference, Required: true, Ref: "store"},
			{External: "location_ID", Internal: "location_id", Kind: Reference, Ref: "location"},
			{External: "batch", Internal: "batch", Kind: String},
			{External: "expiry_date", Internal: "expiry_date", Kind: Date},
			{External: "pack_size", Internal: "pack_size", Kind: Number},
			{External: "quantity", Internal: "available_number_of_packs", Kind: Number},
			{External: "cost_price", Internal: "cost_price_per_pack", Kind: Number},
			{External: "sell_price", Internal: "sell_price_per_pack", Kind: Number},
			{External: "hold", Internal: "on_hold", Kind: Bool},
		},
		StoreField: "store_id",
	}
}

func Requisition() *Mapped {
	return &Mapped{
		External: "requisition",
		Internal: "requisition",
		Deps:     []string{"name", "store"},
		Fields: []Field{
			{External: "serial_number", Internal: "requisition_number", Kind: Number},
			{External: "name_ID", Internal: "name_id", Kind: Reference, Required: true, Ref: "name"},
			{External: "store_ID", Internal: "store_id", Kind: Reference, Required: true, Ref: "store"},
			{External: "type", Internal: "type", Kind: String, Required: true},
			{External: "status", Internal: "status", Kind: String, Required: true},
			{External: "requester_reference", Internal: "their_reference", Kind: String},
			{External: "date_entered", Internal: "created_date", Kind: Date},
			// Points at a requisition on another site, so it is not a local reference
			{External: "linked_requisition_id", Internal: "linked_requisition_id", Kind: String},
		},
		StoreField: "store_id",
	}
}

func RequisitionLine() *Mapped {
	return &Mapped{
		External: "requisition_line",
		Internal: "requisition_line",
		Deps:     []string{"requisition", "item"},
		Fields: []Field{
			{External: "requisition_ID", Internal: "requisition_id", Kind: Reference, Required: true, Ref: "requisition"},
			{External: "item_ID", Internal: "item_id", Kind: Reference, Required: true, Ref: "item"},
			{External: "Cust_stock_order", Internal: "requested_quantity", Kind: Number},
			{External: "actualQuan", Internal: "supply_quantity", Kind: Number},
			{External: "comment", Internal: "comment", Kind: String},
		},
	}
}

// Invoice is the legacy transact table
func Invoice() *Mapped {
	return &Mapped{
		External: "transact",
		Internal: "invoice",
		Deps:     []string{"name", "store"},
		Fields: []Field{
			{External: "name_ID", Internal: "name_id", Kind: Reference, Required: true, Ref: "name"},
			{External: "store_ID", Internal: "store_id", Kind: Reference, Required: true, Ref: "store"},
			{External: "invoice_num", Internal: "invoice_number", Kind: Number},
			{External: "type", Internal: "type", Kind: String, Required: true},
			{External: "status", Internal: "status", Kind: String, Required: true},
			{External: "their_ref", Internal: "their_reference", Kind: String},
			{External: "requisition_ID", Internal: "requisition_id", Kind: String},
			{External: "entry_date", Internal: "created_date", Kind: Date},
		},
		StoreField: "store_id",
	}
}

// InvoiceLine is the legacy trans_line table
func InvoiceLine() *Mapped {
	return &Mapped{
		External: "trans_line",
		Internal: "invoice_line",
		Deps:     []string{"transact", "item", "item_line"},
		Fields: []Field{
			{External: "transaction_ID", Internal: "invoice_id", Kind: Reference, Required: true, Ref: "invoice"},
			{External: "item_ID", Internal: "item_id", Kind: Reference, Required: true, Ref: "item"},
			{External: "item_line_ID", Internal: "stock_line_id", Kind: Reference, Ref: "stock_line"},
			{External: "batch", Internal: "batch", Kind: String},
			{External: "expiry_date", Internal: "expiry_date", Kind: Date},
			{External: "pack_size", Internal: "pack_size", Kind: Number},
			{External: "quantity", Internal: "number_of_packs", Kind: Number},
			{External: "cost_price", Internal: "cost_price_per_pack", Kind: Number},
			{External: "sell_price", Internal: "sell_price_per_pack", Kind: Number},
		},
	}
}

func Barcode() *Mapped {
	return &Mapped{
		External: "barcode",
		Internal: "barcode",
		Deps:     []string{"item"},
		Fields: []Field{
			{External: "barcode", Internal: "gtin", Kind: String, Required: true},
			{External: "itemID", Internal: "item_id", Kind: Reference, Required: true, Ref: "item"},
			{External: "manufacturerID", Internal: "manufacturer_id", Kind: String},
		},
	}
}

// FileReference is the metadata row of an attachment. The bytes travel
// separately through the file sync sidecar.
func FileReference() *Mapped {
	return &Mapped{
		External: FileReferenceTable,
		Internal: FileReferenceTable,
		Fields: []Field{
			{External: "file_name", Internal: "file_name", Kind: String, Required: true},
			{External: "table_name", Internal: "table_name", Kind: String, Required: true},
			{External: "record_id", Internal: "record_id", Kind: String, Required: true},
			{External: "mime_type", Internal: "mime_type", Kind: String},
			{External: "total_bytes", Internal: "total_bytes", Kind: Number},
			{External: "created_datetime", Internal: "created_datetime", Kind: String},
			{External: "deleted_datetime", Internal: "deleted_datetime", Kind: String},
		},
	}
}

// Default returns the full translator set in registration order
func Default() []translator.Translator {
	return []translator.Translator{
		Name(),
		Store(),
		Item(),
		Location(),
		StockLine(),
		Requisition(),
		RequisitionLine(),
		Invoice(),
		InvoiceLine(),
		Barcode(),
		NewNameStoreJoin(),
		FileReference(),
	}
}

type referencer interface {
	References() []store.Reference
}

// DeclareReferences registers the reference constraints of every translator
// that declares any
func DeclareReferences(db *store.Store, translators []translator.Translator) {
	for _, t := range translators {
		r, ok := t.(referencer)
		if !ok {
			continue
		}
		for _, ref := range r.References() {
			db.DeclareReference(ref.Table, ref.Field, ref.RefTable)
		}
	}
}
