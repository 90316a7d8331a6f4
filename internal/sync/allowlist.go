package sync

// allowedTables is the static allowlist of materialized entity names a
// push's table_name must belong to.
var allowedTables = map[string]bool{
	"threads":       true,
	"messages":      true,
	"projects":      true,
	"posts":         true,
	"kv":            true,
	"file_meta":     true,
	"notifications": true,
}

// IsAllowedTable reports whether name is a recognized sync entity table.
func IsAllowedTable(name string) bool {
	return allowedTables[name]
}
