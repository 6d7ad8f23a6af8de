package domain

import "time"

// RawResult stores the content of one result file as produced by a scanner.
type RawResult struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	Active          bool      `json:"active" gorm:"default:true;index"`
	FirstSeen       time.Time `json:"first_seen" gorm:"autoCreateTime;index"`
	LastSeen        time.Time `json:"last_seen" gorm:"autoUpdateTime;index"`
	JobDefinitionID *uint     `json:"scanner_id" gorm:"column:scanner_id;index"`
	TargetHostID    *uint     `json:"rootbox_id" gorm:"column:rootbox_id;index"`
	FileName        string    `json:"file_name" gorm:"size:255"`
	RawResults      string    `json:"raw_results" gorm:"type:text"`
	Notes           string    `json:"notes"`
}

func (RawResult) TableName() string {
	return "raw_results"
}

// ContainerSummary is the engine's list view of one container.
type ContainerSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	CreatedAt int64  `json:"created_at"`
	Status    string `json:"status"`
	State     string `json:"state"`
}

// ShortID returns the first 12 characters of the container id.
func (c ContainerSummary) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}
