package models

import "github.com/google/uuid"

// Prospect asset_status values.
const (
	AssetCreating = "creating"
	AssetReady    = "ready"
	AssetError    = "error"
)

// ProspectAssets references the assets generated for one prospect.
type ProspectAssets struct {
	LandingPageURL  string            `json:"landing_page_url,omitempty"`
	VideoURL        string            `json:"video_url,omitempty"`
	AudioURL        string            `json:"audio_url,omitempty"`
	PresentationURL string            `json:"presentation_url,omitempty"`
	FlyerURL        string            `json:"flyer_url,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Prospect is one row of the uploaded list. Ordinal is fixed at creation and
// defines display and export order.
type Prospect struct {
	CampaignID  uuid.UUID         `json:"campaign_id"`
	Ordinal     int               `json:"ordinal"`
	CompanyName string            `json:"company_name,omitempty"`
	ContactName string            `json:"contact_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Website     string            `json:"website,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	AssetStatus string            `json:"asset_status"`
	Assets      ProspectAssets    `json:"assets"`
}
