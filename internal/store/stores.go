package store

// Stores is the top-level container for all storage backends.
// In standalone mode Stats is nil.
type Stores struct {
	Rules   RuleStore
	Devices DeviceStore
	Media   MediaStore
	Stats   StatsStore // nil in standalone mode
}

// StoreConfig selects and configures the storage backends.
type StoreConfig struct {
	PostgresDSN string
	RulesFile   string
	MediaDir    string
}
