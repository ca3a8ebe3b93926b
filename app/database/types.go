package database

import (
	"time"
)

type RecordStatus string

const (
	StatusActive  RecordStatus = "active"
	StatusDemoted RecordStatus = "demoted"
	StatusStale   RecordStatus = "stale"
)

// StoreRecord is one persisted job listing.
type StoreRecord struct {
	ID           int64
	Identifier   string
	Source       string
	Title        string
	Company      string
	Location     string
	Description  string
	Payload      []byte // full normalized record as JSON
	ContentHash  string
	Status       RecordStatus
	StatusReason string
	LastSeenRun  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecordInput carries the columns written on create and update.
type RecordInput struct {
	Identifier  string
	Source      string
	Title       string
	Company     string
	Location    string
	Description string
	Payload     []byte
	ContentHash string
}

type FetchStatus string

const (
	FetchOK     FetchStatus = "ok"
	FetchFailed FetchStatus = "failed"
)

type Feed struct {
	Name          string
	URL           string
	LastFetchedAt *time.Time
	LastStatus    FetchStatus
	LastError     string
	ItemCount     int
	ByteCount     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type FetchResult struct {
	Status    FetchStatus
	Error     string
	ItemCount int
	ByteCount int64
	FetchedAt time.Time
}
