package models

import "github.com/google/uuid"

// ensureID assigns a random UUID when the caller has not chosen one. IDs are
// generated in Go so the same models work on Postgres, MySQL and SQLite.
func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// Metadata is a string map persisted as JSON text.
type Metadata map[string]string
