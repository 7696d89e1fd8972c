package database

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Line is a production line master record.
type Line struct {
	LineCode string `json:"line_code"`
	LineName string `json:"line_name"`
}

// Equipment is an equipment master record.
type Equipment struct {
	ID            string `json:"id"`
	EquipmentCode string `json:"equipment_code"`
	EquipmentName string `json:"equipment_name"`
	LineCode      string `json:"line_code"`
	EquipmentType string `json:"equipment_type"`
}

// Product is a product master record.
type Product struct {
	ProductCode string `json:"product_code"`
	ProductName string `json:"product_name"`
}

// MasterData is the read-only snapshot of master records a generator works
// against. Loaded once per run; no invalidation while a simulation runs.
type MasterData struct {
	Lines     []Line
	Equipment []Equipment
	Products  []Product
}

// EquipmentOnLine returns the equipment belonging to a line.
func (m *MasterData) EquipmentOnLine(lineCode string) []Equipment {
	var out []Equipment
	for _, eq := range m.Equipment {
		if eq.LineCode == lineCode {
			out = append(out, eq)
		}
	}
	return out
}

// MasterDataCache lazily loads master data for one tenant. A failed load
// is logged and yields an empty snapshot, so generators emit zero records
// instead of crashing their ticker.
type MasterDataCache struct {
	pg       *Postgres
	tenantID string

	mu     sync.Mutex
	loaded bool
	data   *MasterData
}

// NewMasterDataCache creates a cache bound to a tenant.
func NewMasterDataCache(pg *Postgres, tenantID string) *MasterDataCache {
	return &MasterDataCache{pg: pg, tenantID: tenantID}
}

// SetDB installs a connection on a cache created without one. No effect
// once a snapshot has been loaded or a connection is already present.
func (c *MasterDataCache) SetDB(pg *Postgres) {
	c.mu.Lock()
	if !c.loaded && c.pg == nil {
		c.pg = pg
	}
	c.mu.Unlock()
}

// Get returns the snapshot, loading it on first call. Concurrent callers
// block on the load; only one query round-trip happens.
func (c *MasterDataCache) Get(ctx context.Context) *MasterData {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.data
	}

	data, err := c.load(ctx)
	if err != nil {
		log.Printf("[MasterData] load failed for tenant %s: %v", c.tenantID, err)
		data = &MasterData{}
	}

	c.data = data
	c.loaded = true
	return c.data
}

func (c *MasterDataCache) load(ctx context.Context) (*MasterData, error) {
	if c.pg == nil {
		return nil, fmt.Errorf("no database connection")
	}

	data := &MasterData{}

	rows, err := c.pg.Query(ctx,
		`SELECT line_code, line_name FROM master_line WHERE tenant_id = $1 ORDER BY line_code`,
		c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.LineCode, &l.LineName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		data.Lines = append(data.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading lines: %w", err)
	}

	rows, err = c.pg.Query(ctx,
		`SELECT id, equipment_code, equipment_name, line_code, equipment_type
		 FROM master_equipment WHERE tenant_id = $1 ORDER BY equipment_code`,
		c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query equipment: %w", err)
	}
	for rows.Next() {
		var e Equipment
		if err := rows.Scan(&e.ID, &e.EquipmentCode, &e.EquipmentName, &e.LineCode, &e.EquipmentType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan equipment: %w", err)
		}
		data.Equipment = append(data.Equipment, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading equipment: %w", err)
	}

	rows, err = c.pg.Query(ctx,
		`SELECT product_code, product_name FROM master_product WHERE tenant_id = $1 ORDER BY product_code`,
		c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ProductCode, &p.ProductName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		data.Products = append(data.Products, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading products: %w", err)
	}

	log.Printf("[MasterData] loaded %d lines, %d equipment, %d products for tenant %s",
		len(data.Lines), len(data.Equipment), len(data.Products), c.tenantID)

	return data, nil
}
