package db

import "errors"

// Store outcomes the pipeline knows how to report. Anything else is an
// unexpected dependency failure.
var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateApplication = errors.New("application already exists for campaign and identity")
	ErrQuotaExceeded        = errors.New("campaign quota exceeded")
	ErrCampaignClosed       = errors.New("campaign is not accepting applications")
	ErrStatusConflict       = errors.New("campaign status changed concurrently")
	ErrCampaignExists       = errors.New("campaign with this id, code or slug already exists")
)
