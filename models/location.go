package models

// Location is one physical storage location of the target shop.
// Values are loaded once from the catalog and never mutated.
type Location struct {
	// Key is the short lower-case selector used on the command line and by
	// the location source (e.g. "bandung").
	Key string `json:"key"`

	// StorageID is the site-specific inventory location identifier.
	StorageID string `json:"storageId"`

	// DisplayName is the human-readable name shown in the site's
	// location selector.
	DisplayName string `json:"displayName"`
}
