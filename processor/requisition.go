package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/rs/zerolog/log"
)

const (
	requisitionTable     = "requisition"
	requisitionLineTable = "requisition_line"
	storeTable           = "store"
	invoiceTable         = "invoice"
	invoiceLineTable     = "invoice_line"

	requisitionRequest = "request"
	requisitionSent    = "sent"
	shipmentType       = "outbound_shipment"
	shipmentNew        = "new"
)

// RequisitionTransfer turns a sent request requisition addressed to a
// store active on this site into an outbound shipment for the requesting
// store. The shipment is refreshed from the requisition lines for as long
// as it is still new.
type RequisitionTransfer struct {
	siteID uint64
}

var _ Processor = (*RequisitionTransfer)(nil)

func NewRequisitionTransfer(siteID uint64) *RequisitionTransfer {
	return &RequisitionTransfer{siteID: siteID}
}

func (p *RequisitionTransfer) Name() string { return "requisition_transfer" }

func (p *RequisitionTransfer) Tables() []string {
	return []string{requisitionTable, requisitionLineTable}
}

// TransferID derives the id of a generated row from its source row, so
// reprocessing an entry upserts the same rows
func TransferID(table, sourceID string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(table+"/"+sourceID))
}

func (p *RequisitionTransfer) Process(ctx context.Context, tx *store.Tx, entry store.ChangelogEntry) error {
	reqID := entry.RowID
	if entry.TableName == requisitionLineTable {
		line, err := get(ctx, tx, requisitionLineTable, entry.RowID)
		if err != nil || line == nil {
			return err
		}
		reqID = line.String("requisition_id")
	}

	req, err := get(ctx, tx, requisitionTable, reqID)
	if err != nil || req == nil {
		return err
	}
	if req.String("type") != requisitionRequest || req.String("status") != requisitionSent {
		return nil
	}

	supplierID, err := p.localStore(ctx, tx, req.String("name_id"))
	if err != nil || supplierID == "" {
		return err
	}

	requester, err := get(ctx, tx, storeTable, req.String("store_id"))
	if err != nil {
		return err
	}
	customerID := ""
	if requester != nil {
		customerID = requester.String("name_id")
	}
	if customerID == "" {
		log.Warn().
			Str("requisition", reqID).
			Str("store", req.String("store_id")).
			Msg("Requesting store has no name, no shipment created")
		return nil
	}

	invoiceID := TransferID(invoiceTable, reqID)
	existing, err := get(ctx, tx, invoiceTable, invoiceID)
	if err != nil {
		return err
	}
	if existing != nil && existing.String("status") != shipmentNew {
		return nil
	}

	meta := store.Meta{StoreID: supplierID}
	invoice := store.Row{
		"name_id":        customerID,
		"store_id":       supplierID,
		"type":           shipmentType,
		"status":         shipmentNew,
		"requisition_id": reqID,
	}
	if ref, ok := req["requisition_number"]; ok {
		invoice["their_reference"] = fmt.Sprintf("requisition %v", ref)
	}
	if err := tx.Upsert(ctx, invoiceTable, invoiceID, invoice, meta); err != nil {
		return err
	}

	return p.mirrorLines(ctx, tx, reqID, invoiceID, meta)
}

func (p *RequisitionTransfer) mirrorLines(ctx context.Context, tx *store.Tx, reqID, invoiceID string, meta store.Meta) error {
	lineIDs, err := tx.FindIDs(ctx, requisitionLineTable, "requisition_id", reqID)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(lineIDs))
	for _, lineID := range lineIDs {
		line, err := get(ctx, tx, requisitionLineTable, lineID)
		if err != nil {
			return err
		}
		if line == nil {
			continue
		}

		packs := number(line["supply_quantity"])
		if packs <= 0 {
			packs = number(line["requested_quantity"])
		}
		if packs <= 0 {
			continue
		}

		id := TransferID(invoiceLineTable, lineID)
		keep[id] = struct{}{}
		row := store.Row{
			"invoice_id":      invoiceID,
			"item_id":         line["item_id"],
			"number_of_packs": packs,
		}
		if err := tx.Upsert(ctx, invoiceLineTable, id, row, meta); err != nil {
			return err
		}
	}

	current, err := tx.FindIDs(ctx, invoiceLineTable, "invoice_id", invoiceID)
	if err != nil {
		return err
	}
	for _, id := range current {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := tx.Delete(ctx, invoiceLineTable, id, meta); err != nil {
			return err
		}
	}
	return nil
}

// localStore returns the id of the store behind nameID that is active on
// this site, "" when there is none
func (p *RequisitionTransfer) localStore(ctx context.Context, tx *store.Tx, nameID string) (string, error) {
	if nameID == "" {
		return "", nil
	}

	ids, err := tx.FindIDs(ctx, storeTable, "name_id", nameID)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		row, err := get(ctx, tx, storeTable, id)
		if err != nil {
			return "", err
		}
		if row != nil && uint64(number(row["site_id"])) == p.siteID {
			return id, nil
		}
	}
	return "", nil
}

// get reads a row, nil when absent
func get(ctx context.Context, tx *store.Tx, table, id string) (store.Row, error) {
	if id == "" {
		return nil, nil
	}
	row, err := tx.Get(ctx, table, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
