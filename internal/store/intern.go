package store

import (
	"database/sql"
	"fmt"
)

// Enum table names. Interning is always table-scoped; ids are assigned
// densely increasing per table and never reused or renumbered, so historical
// ticks and positions stay valid across compactions.
const (
	enumColors       = "enum_colors"
	enumTypes        = "enum_types"
	enumIcons        = "enum_icons"
	enumArmyTypes    = "enum_army_types"
	enumVehicleTypes = "enum_vehicle_types"
)

// intern returns the id for value in the given enum table, inserting it
// first if absent. It runs inside the caller's transaction so a rolled-back
// tick write also rolls back any enum rows it created.
func intern(tx *sql.Tx, table, value string) (int64, error) {
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT OR IGNORE INTO %s (value) VALUES (?)", table), value,
	); err != nil {
		return 0, fmt.Errorf("intern %s: %w", table, err)
	}
	var id int64
	if err := tx.QueryRow(
		fmt.Sprintf("SELECT id FROM %s WHERE value = ?", table), value,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("intern %s lookup: %w", table, err)
	}
	return id, nil
}
