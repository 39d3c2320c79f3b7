package models

// Registry returns all models that need migration.
func Registry() []interface{} {
	return []interface{}{
		&Target{},
		&Run{},
	}
}
