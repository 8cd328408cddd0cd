package db

import (
	"encoding/json"
	"time"
)

// Submission maps vofc.submissions.
type Submission struct {
	SubmissionID   int64           `gorm:"column:submission_id;primaryKey;autoIncrement"`
	SubmissionUUID string          `gorm:"column:submission_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Kind           string          `gorm:"column:kind;type:text;not null"`
	Status         string          `gorm:"column:status;type:text;not null;default:pending_review"`
	Source         string          `gorm:"column:source;type:text;not null"`
	Payload        json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	DocumentKey    *string         `gorm:"column:document_key;type:text"`
	Attempts       int             `gorm:"column:attempts;type:integer;not null;default:0"`
	LastError      *string         `gorm:"column:last_error;type:text"`
	ClaimedAt      *time.Time      `gorm:"column:claimed_at;type:timestamptz"`
	ClaimedFrom    *string         `gorm:"column:claimed_from;type:text"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Submission) TableName() string { return "vofc.submissions" }

// Vulnerability maps vofc.vulnerabilities.
type Vulnerability struct {
	VulnerabilityID   int64     `gorm:"column:vulnerability_id;primaryKey;autoIncrement"`
	VulnerabilityUUID string    `gorm:"column:vulnerability_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SubmissionID      *int64    `gorm:"column:submission_id;type:bigint;uniqueIndex:uq_vulnerabilities_submission_hash,priority:1"`
	Statement         string    `gorm:"column:statement;type:text;not null"`
	Discipline        string    `gorm:"column:discipline;type:text;not null;default:General"`
	Sector            *string   `gorm:"column:sector;type:text"`
	Subsector         *string   `gorm:"column:subsector;type:text"`
	SourceText        *string   `gorm:"column:source_text;type:text"`
	TextHash          []byte    `gorm:"column:text_hash;type:bytea;not null;uniqueIndex:uq_vulnerabilities_submission_hash,priority:2"`
	CreatedAt         time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt         time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Vulnerability) TableName() string { return "vofc.vulnerabilities" }

// OptionForConsideration maps vofc.options_for_consideration.
type OptionForConsideration struct {
	OFCID          int64     `gorm:"column:ofc_id;primaryKey;autoIncrement"`
	OFCUUID        string    `gorm:"column:ofc_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SubmissionID   *int64    `gorm:"column:submission_id;type:bigint;uniqueIndex:uq_ofcs_submission_hash,priority:1"`
	Recommendation string    `gorm:"column:recommendation;type:text;not null"`
	Discipline     string    `gorm:"column:discipline;type:text;not null;default:General"`
	Sector         *string   `gorm:"column:sector;type:text"`
	Subsector      *string   `gorm:"column:subsector;type:text"`
	TextHash       []byte    `gorm:"column:text_hash;type:bytea;not null;uniqueIndex:uq_ofcs_submission_hash,priority:2"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (OptionForConsideration) TableName() string { return "vofc.options_for_consideration" }

// Source maps vofc.sources.
type Source struct {
	SourceID        int64     `gorm:"column:source_id;primaryKey;autoIncrement"`
	SourceUUID      string    `gorm:"column:source_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ReferenceNumber int       `gorm:"column:reference_number;type:integer;not null;unique"`
	SourceText      string    `gorm:"column:source_text;type:text;not null;default:''"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Source) TableName() string { return "vofc.sources" }

// VulnerabilitySource maps vofc.vulnerability_sources.
type VulnerabilitySource struct {
	VulnerabilityID int64     `gorm:"column:vulnerability_id;type:bigint;primaryKey"`
	SourceID        int64     `gorm:"column:source_id;type:bigint;primaryKey"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (VulnerabilitySource) TableName() string { return "vofc.vulnerability_sources" }

// OFCSource maps vofc.ofc_sources.
type OFCSource struct {
	OFCID     int64     `gorm:"column:ofc_id;type:bigint;primaryKey"`
	SourceID  int64     `gorm:"column:source_id;type:bigint;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (OFCSource) TableName() string { return "vofc.ofc_sources" }

// VulnerabilityOFCLink maps vofc.vulnerability_ofc_links.
type VulnerabilityOFCLink struct {
	VulnerabilityID int64     `gorm:"column:vulnerability_id;type:bigint;primaryKey"`
	OFCID           int64     `gorm:"column:ofc_id;type:bigint;primaryKey"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (VulnerabilityOFCLink) TableName() string { return "vofc.vulnerability_ofc_links" }

func autoMigrateModels() []any {
	return []any{
		&Submission{},
		&Vulnerability{},
		&OptionForConsideration{},
		&Source{},
		&VulnerabilitySource{},
		&OFCSource{},
		&VulnerabilityOFCLink{},
	}
}
