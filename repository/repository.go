// Package repository provides the routing data consumed by the gateway: IATA tag to destination
// lookups, the airline and fallback tables pushed to the PLC, per-bag screening decisions and the
// scanner result log.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that have no entry for the key.
var ErrNotFound = errors.New("not found")

// AirlineEntry is one row of the airline allocation table.
type AirlineEntry struct {
	RecID           int64    `yaml:"rec_id" json:"recId"`
	Code            string   `yaml:"code" json:"code"`
	Name            string   `yaml:"name" json:"name"`
	SortPosition    uint16   `yaml:"sort_position" json:"sortPosition"`
	AltDestinations []uint16 `yaml:"alt_destinations" json:"altDestinations,omitempty"`
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Deleted         bool     `yaml:"deleted" json:"deleted"`
}

// FallbackEntry is one row of the fallback tag table.
type FallbackEntry struct {
	Tag             string   `yaml:"tag" json:"tag"`
	Destination     uint16   `yaml:"destination" json:"destination"`
	ScreeningLevel  uint16   `yaml:"screening_level" json:"screeningLevel"`
	AltDestinations []uint16 `yaml:"alt_destinations" json:"altDestinations,omitempty"`
}

// ItemInfo holds the screening and customs decisions for one bag.
type ItemInfo struct {
	ScreeningLevel    uint16 `yaml:"screening_level" json:"screeningLevel"`
	ScreeningResult   uint16 `yaml:"screening_result" json:"screeningResult"`
	CustomsResult     uint16 `yaml:"customs_result" json:"customsResult"`
	MinScreeningLevel uint16 `yaml:"min_screening_level" json:"minScreeningLevel"`
	CustomsRequired   uint16 `yaml:"customs_required" json:"customsRequired"`
	EBSStatus         uint16 `yaml:"ebs_status" json:"ebsStatus"`
}

// DefaultItemInfo is returned for bags without a stored decision.
var DefaultItemInfo = ItemInfo{
	ScreeningLevel:    11,
	ScreeningResult:   11,
	CustomsResult:     31,
	MinScreeningLevel: 12,
	CustomsRequired:   1,
	EBSStatus:         1,
}

// ScanRecord is one scanner result as logged by the gateway.
type ScanRecord struct {
	Channel        string    `json:"channel"`
	LengthWords    uint16    `json:"lengthWords"`
	SubsystemID    uint16    `json:"subsystemId"`
	Component      uint16    `json:"component"`
	GlobalID       uint32    `json:"globalId"`
	PLCIndex       uint16    `json:"plcIndex"`
	ScannerNumber  uint16    `json:"scannerNumber"`
	ScannerName    string    `json:"scannerName"`
	Version        uint16    `json:"version"`
	Status         uint16    `json:"status"`
	ResponseLength int       `json:"responseLength"`
	Barcodes       []string  `json:"barcodes"`
	Response       string    `json:"response"`
	Time           time.Time `json:"time"`
}

// Repository is the routing data store used by the gateway.
type Repository interface {
	// LookupDestination returns the sort destination allocated to iata.
	// ok is false when the tag has no allocation.
	LookupDestination(ctx context.Context, iata string) (dest uint16, ok bool, err error)
	// ExistsInRoutingTable reports whether iata is known to the baggage source messages.
	ExistsInRoutingTable(ctx context.Context, iata string) (bool, error)
	// ListEnabledAirlineEntries returns the enabled airline allocations in table order.
	ListEnabledAirlineEntries(ctx context.Context) ([]AirlineEntry, error)
	// ListFallbackEntries returns the fallback tag table in table order.
	ListFallbackEntries(ctx context.Context) ([]FallbackEntry, error)
	// ItemInfo returns the screening decisions of iata, or DefaultItemInfo.
	ItemInfo(ctx context.Context, iata string) (ItemInfo, error)
	// RecordScan stores a scanner result.
	RecordScan(ctx context.Context, rec ScanRecord) error
	// Close releases the store.
	Close() error
}
