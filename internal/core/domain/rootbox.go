package domain

import "time"

// TargetHost is a remote machine running a dockerd that executes scanners.
type TargetHost struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"size:255;uniqueIndex;not null"`
	Active      bool      `json:"active" gorm:"not null;index"`
	Address     string    `json:"address" gorm:"size:255"`
	DockerdPort int       `json:"dockerd_port" gorm:"default:80"`
	DockerdTLS  bool      `json:"dockerd_tls" gorm:"column:dockerd_tls;not null"`
	Location    string    `json:"location" gorm:"size:255;default:''"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (TargetHost) TableName() string {
	return "rootboxes"
}

func (h *TargetHost) String() string {
	return h.Name
}
