// Package device resolves the identifier a dispenser reports into a
// registered device.
//
// Devices are provisioned outside the core and are read-only here. A
// dispenser identifies itself with a single string that may be either its
// human-assigned nickname or its hardware model tag; both columns share one
// flat namespace for matching.
//
// # Tie-break
//
// When the identifier matches more than one row, a nickname match wins over
// an hw_model match, and remaining ties go to the lowest device_id. The
// result is stable across calls for the same table contents.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	dev, err := repo.FindByIdentifier(ctx, "dispenser-kitchen")
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // unknown device, drop the message
//	}
package device
