package store

import "time"

type User struct {
	ID           int
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type ConflictRecord struct {
	ID         int
	Country    string
	Admin1     string
	Population *int
	Events     int
	Score      float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Feedback struct {
	ID         int
	UserID     int
	ConflictID int
	Country    string
	Admin1     string
	Text       string
	CreatedAt  time.Time
}
