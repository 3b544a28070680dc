// Package seed holds the demo owner and toll zone used for local runs.
package seed

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/memstore"
)

const (
	DemoPlate         = "KA01AB1234"
	DemoZoneID        = "city-gateway"
	DemoWalletBalance = 5000
	DemoFlatRate      = 150
)

// DemoOwnerID is stable across runs so reseeding is idempotent
var DemoOwnerID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("anpr-toll-demo-owner"))

// Owners returns the demo owners
func Owners() []db.Owner {
	return []db.Owner{{
		ID:            DemoOwnerID,
		Name:          "John Doe",
		WalletBalance: DemoWalletBalance,
		GPSStatus:     db.GPSDisconnected,
		Vehicles: []db.Vehicle{{
			Plate:           DemoPlate,
			NormalizedPlate: DemoPlate,
			Model:           "Tesla Model 3",
			Type:            "car",
		}},
	}}
}

// Zones returns the demo toll zones
func Zones() []db.TollZone {
	return []db.TollZone{{ID: DemoZoneID, Name: "City Gateway", FlatRate: DemoFlatRate}}
}

// Memory loads the demo data into an in-process store
func Memory(s *memstore.Store) {
	for _, z := range Zones() {
		s.PutZone(z)
	}
	for _, o := range Owners() {
		s.PutOwner(o)
	}
}

// Postgres upserts the demo data. Existing rows are left untouched.
func Postgres(ctx context.Context, conn db.Execer) (int64, error) {
	var inserted int64

	for _, z := range Zones() {
		tag, err := conn.Exec(ctx,
			`INSERT INTO toll_zones (id, name, flat_rate) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			z.ID, z.Name, z.FlatRate)
		if err != nil {
			return inserted, fmt.Errorf("failed to seed toll zone %s: %w", z.ID, err)
		}
		inserted += tag.RowsAffected()
	}

	for _, o := range Owners() {
		tag, err := conn.Exec(ctx,
			`INSERT INTO owners (id, name, wallet_balance, gps_status) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			o.ID, o.Name, o.WalletBalance, o.GPSStatus.String())
		if err != nil {
			return inserted, fmt.Errorf("failed to seed owner %s: %w", o.Name, err)
		}
		inserted += tag.RowsAffected()

		for _, v := range o.Vehicles {
			tag, err := conn.Exec(ctx,
				`INSERT INTO vehicles (normalized_plate, plate, owner_id, model, vehicle_type)
				 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (normalized_plate) DO NOTHING`,
				v.NormalizedPlate, v.Plate, o.ID, v.Model, v.Type)
			if err != nil {
				return inserted, fmt.Errorf("failed to seed vehicle %s: %w", v.Plate, err)
			}
			inserted += tag.RowsAffected()
		}
	}

	return inserted, nil
}
