package backup

import (
	"time"
)

// TargetType determines whether a backup is one file or an extracted tree
type TargetType string

const (
	TargetTypeSingle TargetType = "single"
	TargetTypeMulti  TargetType = "multi"
)

// RecycleCriteria selects the retention rule applied to a target
type RecycleCriteria string

const (
	RecycleCriteriaNone  RecycleCriteria = "none"
	RecycleCriteriaCount RecycleCriteria = "count"
	RecycleCriteriaAge   RecycleCriteria = "age"
)

// RecycleAction is what retention does with a selected backup
type RecycleAction string

const (
	RecycleActionDelete  RecycleAction = "delete"
	RecycleActionRecycle RecycleAction = "recycle"
)

// Target is a named backup destination with its own retention policy
type Target struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            TargetType      `json:"target_type"`
	RecycleCriteria RecycleCriteria `json:"recycle_criteria"`
	RecycleValue    int             `json:"recycle_value"`
	RecycleAction   RecycleAction   `json:"recycle_action"`
	Location        string          `json:"location"`
	NameTemplate    string          `json:"name_template"`
	Deduplicate     bool            `json:"deduplicate"`
	Alias           string          `json:"alias,omitempty"`
	MinBackups      int             `json:"min_backups"`
	Tags            []string        `json:"tags,omitempty"`
}

// Backup is one stored snapshot belonging to a target
type Backup struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id"`
	CreatedAt  time.Time `json:"created_at"`
	Manual     bool      `json:"manual"`
	IsRecycled bool      `json:"is_recycled"`
	Filesize   int64     `json:"filesize"`
}

// TargetFields holds the user-editable part of a Target
type TargetFields struct {
	Name            string          `json:"name"`
	Type            TargetType      `json:"target_type"`
	RecycleCriteria RecycleCriteria `json:"recycle_criteria"`
	RecycleValue    int             `json:"recycle_value"`
	RecycleAction   RecycleAction   `json:"recycle_action"`
	Location        string          `json:"location"`
	NameTemplate    string          `json:"name_template"`
	Deduplicate     bool            `json:"deduplicate"`
	Alias           string          `json:"alias,omitempty"`
	MinBackups      int             `json:"min_backups"`
	Tags            []string        `json:"tags,omitempty"`
}

// TargetQuery filters targets. Zero-valued fields do not restrict the result.
type TargetQuery struct {
	Name            string
	Type            TargetType
	RecycleCriteria RecycleCriteria
	RecycleAction   RecycleAction
	Location        string
	NameTemplate    string
	Deduplicate     *bool
	Alias           string
	Tags            []string
}

// Stats summarises the stored data
type Stats struct {
	Targets             int   `json:"targets"`
	Backups             int   `json:"backups"`
	RecycledBackups     int   `json:"recycled_backups"`
	TotalTargetSize     int64 `json:"total_target_size"`
	TotalRecycleBinSize int64 `json:"total_recycle_bin_size"`
}
