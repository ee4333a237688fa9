// Package store persists the device inventory in SQLite through gorm.
//
// A Store satisfies manager.Inventory:
//
//	inv, err := store.Open("/var/lib/robolink/devices.db")
//	if err != nil {
//		return err
//	}
//	defer inv.Close()
//
//	mgr, err := manager.NewManager(ctx, manager.WithInventory(inv))
//	...
//	restored, err := mgr.Restore(ctx)
package store
