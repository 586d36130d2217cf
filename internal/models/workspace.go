package models

import "time"

// Workspace groups knowledge documents for visibility scoping.
type Workspace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}
