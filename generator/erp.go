package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"factorysim/database"

	"github.com/google/uuid"
)

const vatRate = 0.10

// inventoryDirections maps transaction type to stock direction.
var inventoryDirections = map[string]string{
	"GR_PO":    "IN",
	"GR_PROD":  "IN",
	"GI_SO":    "OUT",
	"GI_PROD":  "OUT",
	"TRANSFER": "IN",
}

var inventoryTypes = []string{"GR_PO", "GR_PROD", "GI_SO", "GI_PROD", "TRANSFER"}

var warehouses = []string{"WH-RAW", "WH-WIP", "WH-FG"}

var customers = []struct{ Code, Name string }{
	{"CUST-001", "Hanbit Electronics"},
	{"CUST-002", "Nova Device Works"},
	{"CUST-003", "Orion Components"},
	{"CUST-004", "Daesung Precision"},
}

var vendors = []struct{ Code, Name string }{
	{"VEND-001", "Pacific Solder Supply"},
	{"VEND-002", "Kyung-In PCB"},
	{"VEND-003", "Maple Passives"},
	{"VEND-004", "Sunrise Chemical"},
}

// InventoryTransactionRecord is one stock movement.
type InventoryTransactionRecord struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	TransactionNo    string    `json:"transaction_no"`
	TransactionDate  time.Time `json:"transaction_date"`
	TransactionType  string    `json:"transaction_type"`
	MaterialCode     string    `json:"material_code"`
	MaterialName     string    `json:"material_name"`
	Qty              int       `json:"qty"`
	Unit             string    `json:"unit"`
	Direction        string    `json:"direction"`
	WarehouseCode    string    `json:"warehouse_code"`
	LotNo            string    `json:"lot_no"`
	UnitCost         float64   `json:"unit_cost"`
	TotalCost        float64   `json:"total_cost"`
	ReferenceDocType string    `json:"reference_doc_type"`
}

func (r InventoryTransactionRecord) RecordTenant() string       { return r.TenantID }
func (r InventoryTransactionRecord) RecordTimestamp() time.Time { return r.TransactionDate }

// OrderLine is one line of a sales or purchase order.
type OrderLine struct {
	LineNo      int     `json:"line_no"`
	ProductCode string  `json:"product_code"`
	Qty         int     `json:"qty"`
	Unit        string  `json:"unit"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// SalesOrderRecord is one sales order header with its lines.
type SalesOrderRecord struct {
	ID                    string      `json:"id"`
	TenantID              string      `json:"tenant_id"`
	OrderNo               string      `json:"order_no"`
	OrderDate             time.Time   `json:"order_date"`
	CustomerCode          string      `json:"customer_code"`
	CustomerName          string      `json:"customer_name"`
	Status                string      `json:"status"`
	Subtotal              float64     `json:"subtotal"`
	TaxAmount             float64     `json:"tax_amount"`
	TotalAmount           float64     `json:"total_amount"`
	RequestedDeliveryDate time.Time   `json:"requested_delivery_date"`
	Lines                 []OrderLine `json:"lines"`
}

func (r SalesOrderRecord) RecordTenant() string       { return r.TenantID }
func (r SalesOrderRecord) RecordTimestamp() time.Time { return r.OrderDate }

// PurchaseOrderRecord is one purchase order header with its lines.
type PurchaseOrderRecord struct {
	ID                   string      `json:"id"`
	TenantID             string      `json:"tenant_id"`
	OrderNo              string      `json:"order_no"`
	OrderDate            time.Time   `json:"order_date"`
	VendorCode           string      `json:"vendor_code"`
	VendorName           string      `json:"vendor_name"`
	Status               string      `json:"status"`
	Subtotal             float64     `json:"subtotal"`
	TaxAmount            float64     `json:"tax_amount"`
	TotalAmount          float64     `json:"total_amount"`
	ExpectedDeliveryDate time.Time   `json:"expected_delivery_date"`
	Lines                []OrderLine `json:"lines"`
}

func (r PurchaseOrderRecord) RecordTenant() string       { return r.TenantID }
func (r PurchaseOrderRecord) RecordTimestamp() time.Time { return r.OrderDate }

// ERPTransaction emits coupled ERP activity per tick: inventory movements
// always, a sales order with p=0.20, a purchase order with p=0.15.
// Split shape. Requires products in master data.
type ERPTransaction struct {
	tenantID string
	master   MasterSource
	rng      *rand.Rand

	// Per-document monotonic sequence counters, seeded at 1000.
	invSeq, soSeq, poSeq int
}

// NewERPTransaction creates the generator.
func NewERPTransaction(tenantID string, master MasterSource, rng *rand.Rand) *ERPTransaction {
	return &ERPTransaction{
		tenantID: tenantID,
		master:   master,
		rng:      rng,
		invSeq:   1000,
		soSeq:    1000,
		poSeq:    1000,
	}
}

func (g *ERPTransaction) Name() string { return "erp_transaction" }

func (g *ERPTransaction) nextNo(prefix string, seq *int, ts time.Time) string {
	*seq++
	return fmt.Sprintf("%s%s-%04d", prefix, ts.Format("20060102"), *seq)
}

// Generate produces the ERP bundle for the given timestamp.
func (g *ERPTransaction) Generate(ctx context.Context, ts time.Time) []Record {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 || len(md.Products) == 0 {
		return nil
	}

	ts = ts.UTC()
	var records []Record

	for i := 0; i < uniformInt(g.rng, 1, 3); i++ {
		txType := inventoryTypes[g.rng.Intn(len(inventoryTypes))]
		product := md.Products[g.rng.Intn(len(md.Products))]
		qty := uniformInt(g.rng, 10, 100) * 10
		unitCost := round(uniform(g.rng, 1000, 10000), 2)

		records = append(records, InventoryTransactionRecord{
			ID:               uuid.NewString(),
			TenantID:         g.tenantID,
			TransactionNo:    g.nextNo("IT", &g.invSeq, ts),
			TransactionDate:  ts,
			TransactionType:  txType,
			MaterialCode:     product.ProductCode,
			MaterialName:     product.ProductName,
			Qty:              qty,
			Unit:             "EA",
			Direction:        inventoryDirections[txType],
			WarehouseCode:    warehouses[g.rng.Intn(len(warehouses))],
			LotNo:            fmt.Sprintf("LOT%s-%03d", ts.Format("20060102"), uniformInt(g.rng, 100, 999)),
			UnitCost:         unitCost,
			TotalCost:        round(float64(qty)*unitCost, 2),
			ReferenceDocType: txType,
		})
	}

	if g.rng.Float64() < 0.20 {
		records = append(records, g.salesOrder(md.Products, ts))
	}
	if g.rng.Float64() < 0.15 {
		records = append(records, g.purchaseOrder(md.Products, ts))
	}

	return records
}

func (g *ERPTransaction) salesOrder(products []database.Product, ts time.Time) SalesOrderRecord {
	customer := customers[g.rng.Intn(len(customers))]
	order := SalesOrderRecord{
		ID:                    uuid.NewString(),
		TenantID:              g.tenantID,
		OrderNo:               g.nextNo("SO", &g.soSeq, ts),
		OrderDate:             ts,
		CustomerCode:          customer.Code,
		CustomerName:          customer.Name,
		Status:                "OPEN",
		RequestedDeliveryDate: ts.AddDate(0, 0, uniformInt(g.rng, 7, 30)),
	}

	for i := 0; i < uniformInt(g.rng, 1, 3); i++ {
		product := products[g.rng.Intn(len(products))]
		qty := uniformInt(g.rng, 100, 1000) * 10
		price := round(uniform(g.rng, 1000, 50000), 2)
		amount := round(float64(qty)*price, 2)
		order.Lines = append(order.Lines, OrderLine{
			LineNo:      i + 1,
			ProductCode: product.ProductCode,
			Qty:         qty,
			Unit:        "EA",
			UnitPrice:   price,
			Amount:      amount,
		})
		order.Subtotal += amount
	}
	order.Subtotal = round(order.Subtotal, 2)
	order.TaxAmount = round(order.Subtotal*vatRate, 2)
	order.TotalAmount = round(order.Subtotal+order.TaxAmount, 2)
	return order
}

func (g *ERPTransaction) purchaseOrder(products []database.Product, ts time.Time) PurchaseOrderRecord {
	vendor := vendors[g.rng.Intn(len(vendors))]
	order := PurchaseOrderRecord{
		ID:                   uuid.NewString(),
		TenantID:             g.tenantID,
		OrderNo:              g.nextNo("PO", &g.poSeq, ts),
		OrderDate:            ts,
		VendorCode:           vendor.Code,
		VendorName:           vendor.Name,
		Status:               "OPEN",
		ExpectedDeliveryDate: ts.AddDate(0, 0, uniformInt(g.rng, 5, 20)),
	}

	for i := 0; i < uniformInt(g.rng, 1, 3); i++ {
		product := products[g.rng.Intn(len(products))]
		qty := uniformInt(g.rng, 100, 500) * 10
		price := round(uniform(g.rng, 500, 20000), 2)
		amount := round(float64(qty)*price, 2)
		order.Lines = append(order.Lines, OrderLine{
			LineNo:      i + 1,
			ProductCode: product.ProductCode,
			Qty:         qty,
			Unit:        "EA",
			UnitPrice:   price,
			Amount:      amount,
		})
		order.Subtotal += amount
	}
	order.Subtotal = round(order.Subtotal, 2)
	order.TaxAmount = round(order.Subtotal*vatRate, 2)
	order.TotalAmount = round(order.Subtotal+order.TaxAmount, 2)
	return order
}

// Save persists the mixed batch: partitioned inserts for inventory
// transactions, header+line inserts for orders.
func (g *ERPTransaction) Save(ctx context.Context, store Store, records []Record) (int, error) {
	saved := 0
	for _, r := range records {
		switch rec := r.(type) {
		case InventoryTransactionRecord:
			if err := store.EnsurePartition(ctx, "erp_inventory_transaction", rec.TransactionDate); err != nil {
				return saved, fmt.Errorf("failed to ensure inventory partition: %w", err)
			}
			_, err := store.Exec(ctx, `
				INSERT INTO erp_inventory_transaction
					(id, tenant_id, transaction_no, transaction_date, posting_date,
					 transaction_type, material_code, material_name, qty, unit, direction,
					 warehouse_code, lot_no, unit_cost, total_cost, reference_doc_type, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
				ON CONFLICT (id, transaction_date) DO NOTHING`,
				rec.ID, rec.TenantID, rec.TransactionNo, rec.TransactionDate, rec.TransactionDate,
				rec.TransactionType, rec.MaterialCode, rec.MaterialName, rec.Qty, rec.Unit,
				rec.Direction, rec.WarehouseCode, rec.LotNo, rec.UnitCost, rec.TotalCost,
				rec.ReferenceDocType)
			if err != nil {
				return saved, fmt.Errorf("failed to insert inventory transaction: %w", err)
			}
			saved++

		case SalesOrderRecord:
			_, err := store.Exec(ctx, `
				INSERT INTO erp_sales_order
					(id, tenant_id, order_no, order_date, customer_code, customer_name,
					 status, subtotal, tax_amount, total_amount, requested_delivery_date, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
				ON CONFLICT (id) DO NOTHING`,
				rec.ID, rec.TenantID, rec.OrderNo, rec.OrderDate, rec.CustomerCode,
				rec.CustomerName, rec.Status, rec.Subtotal, rec.TaxAmount, rec.TotalAmount,
				rec.RequestedDeliveryDate)
			if err != nil {
				return saved, fmt.Errorf("failed to insert sales order: %w", err)
			}
			for _, line := range rec.Lines {
				_, err := store.Exec(ctx, `
					INSERT INTO erp_sales_order_line
						(id, tenant_id, order_id, order_no, line_no, product_code, qty, unit,
						 unit_price, amount, created_at)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())`,
					uuid.NewString(), rec.TenantID, rec.ID, rec.OrderNo, line.LineNo,
					line.ProductCode, line.Qty, line.Unit, line.UnitPrice, line.Amount)
				if err != nil {
					return saved, fmt.Errorf("failed to insert sales order line: %w", err)
				}
			}
			saved++

		case PurchaseOrderRecord:
			_, err := store.Exec(ctx, `
				INSERT INTO erp_purchase_order
					(id, tenant_id, order_no, order_date, vendor_code, vendor_name,
					 status, subtotal, tax_amount, total_amount, expected_delivery_date, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
				ON CONFLICT (id) DO NOTHING`,
				rec.ID, rec.TenantID, rec.OrderNo, rec.OrderDate, rec.VendorCode,
				rec.VendorName, rec.Status, rec.Subtotal, rec.TaxAmount, rec.TotalAmount,
				rec.ExpectedDeliveryDate)
			if err != nil {
				return saved, fmt.Errorf("failed to insert purchase order: %w", err)
			}
			for _, line := range rec.Lines {
				_, err := store.Exec(ctx, `
					INSERT INTO erp_purchase_order_line
						(id, tenant_id, order_id, order_no, line_no, product_code, qty, unit,
						 unit_price, amount, created_at)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())`,
					uuid.NewString(), rec.TenantID, rec.ID, rec.OrderNo, line.LineNo,
					line.ProductCode, line.Qty, line.Unit, line.UnitPrice, line.Amount)
				if err != nil {
					return saved, fmt.Errorf("failed to insert purchase order line: %w", err)
				}
			}
			saved++

		default:
			return saved, fmt.Errorf("unexpected record type %T", r)
		}
	}
	return saved, nil
}
