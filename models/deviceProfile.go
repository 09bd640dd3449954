package models

import "time"

// DeviceProfile is the per-tenant credential bundle that authorizes
// submissions to the tax authority. Key material and certificates are
// stored encrypted (vault blob format); plaintext only ever exists for
// the duration of a single signing operation.
//
// Invariant: exactly one active profile per (business_id, environment).
// Profiles are created at enrolment and never mutated afterwards except
// for deactivation when the tenant re-enrols.
type DeviceProfile struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"size:64;not null;index:idx_dp_biz_env,priority:1" json:"business_id"`
	Environment string `gorm:"size:20;not null;index:idx_dp_biz_env,priority:2" json:"environment"`

	DeviceId          string `gorm:"size:100;not null;index" json:"device_id"`
	PartnerId         string `gorm:"size:100;not null" json:"partner_id"`
	CertificationCode string `gorm:"size:100;not null" json:"certification_code"`
	SoftwareId        string `gorm:"size:100;not null" json:"software_id"`
	SoftwareVersion   string `gorm:"size:50;not null" json:"software_version"`
	ProtocolVersion   string `gorm:"size:20;not null" json:"protocol_version"`

	EncryptedPrivateKey     string `gorm:"type:text;not null" json:"-"`
	EncryptedCertificate    string `gorm:"type:text;not null" json:"-"`
	EncryptedPsiCertificate string `gorm:"type:text" json:"-"`

	CertificateSerial string    `gorm:"size:100" json:"certificate_serial"`
	ValidFrom         time.Time `json:"valid_from"`
	ValidUntil        time.Time `json:"valid_until"`
	Fingerprint       string    `gorm:"size:100" json:"fingerprint"`

	IsActive  *bool     `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
