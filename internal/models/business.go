package models

import (
	"strings"
	"time"
)

// BusinessStatus enumerates the review states of a single listing.
type BusinessStatus string

const (
	BusinessDiscarded    BusinessStatus = "DISCARDED"
	BusinessPending      BusinessStatus = "PENDING"
	BusinessReviewed     BusinessStatus = "REVIEWED"
	BusinessInProduction BusinessStatus = "IN_PRODUCTION"
)

// Valid reports whether s is a known business status.
func (s BusinessStatus) Valid() bool {
	switch s {
	case BusinessDiscarded, BusinessPending, BusinessReviewed, BusinessInProduction:
		return true
	}
	return false
}

// Business is one listing gathered by a task.
type Business struct {
	ID            int64          `json:"id"`
	TaskID        int64          `json:"task_id"`
	PlaceID       string         `json:"place_id"`
	Title         string         `json:"title"`
	Address       string         `json:"address,omitempty"`
	Rating        *float64       `json:"rating,omitempty"`
	Description   string         `json:"description,omitempty"`
	DescriptionEN string         `json:"description_en,omitempty"`
	DescriptionES string         `json:"description_es,omitempty"`
	DescriptionFR string         `json:"description_fr,omitempty"`
	ThumbnailURL  string         `json:"thumbnail_url,omitempty"`
	ThumbnailKey  string         `json:"thumbnail_key,omitempty"`
	Status        BusinessStatus `json:"status"`
	ScrapedAt     time.Time      `json:"scraped_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	IsDeleted     bool           `json:"is_deleted"`
}

// HasDescription reports whether the original description is usable.
// The literal "None" is what older imports stored for a missing value.
func (b Business) HasDescription() bool {
	return present(b.Description)
}

// MissingTranslations lists the translated descriptions that are empty.
func (b Business) MissingTranslations() []string {
	var missing []string
	if !present(b.DescriptionEN) {
		missing = append(missing, "English description")
	}
	if !present(b.DescriptionES) {
		missing = append(missing, "Spanish description")
	}
	if !present(b.DescriptionFR) {
		missing = append(missing, "French description")
	}
	return missing
}

func present(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != "None"
}
