package models

// Retention tags that ship with the system and cannot be deleted.
const (
	RetentionTagDefault = "default"
	RetentionTagLog     = "ax-log"
	RetentionTagLogExt  = "ax-log-external"
)

// RetentionPolicy maps a retention tag to its TTL plus the aggregated space
// usage of every artifact carrying the tag.
type RetentionPolicy struct {
	TagName       string `json:"tag_name"`
	PolicyMS      int64  `json:"policy_ms"`
	Description   string `json:"description,omitempty"`
	TotalNumber   int64  `json:"total_number"`
	TotalSize     int64  `json:"total_size"`
	TotalRealSize int64  `json:"total_real_size"`
}

// Undeletable reports whether the policy is one of the built-ins.
func (p *RetentionPolicy) Undeletable() bool {
	return p.TagName == RetentionTagDefault || p.TagName == RetentionTagLog
}

// Artifact deleted states.
const (
	ArtifactAlive         = 0
	ArtifactDeleted       = 1
	ArtifactToBeDeleted   = 2
	ArtifactDeletedByUser = 3
)

// Artifact storage methods.
const (
	StorageMethodS3     = "s3"
	StorageMethodInline = "inline"
)

// Artifact is the slice of the external artifacts table the retention core
// reads and conditionally updates.
type Artifact struct {
	ArtifactID    string `json:"artifact_id"`
	AXUUID        string `json:"ax_uuid"`
	WorkflowID    string `json:"workflow_id"`
	RetentionTags string `json:"retention_tags"`
	Deleted       int    `json:"deleted"`
	StoredByte    int64  `json:"stored_byte"`
	NumByte       int64  `json:"num_byte"`
	StorageMethod string `json:"storage_method"`
	StoragePath   string `json:"storage_path"`
	Tags          string `json:"tags,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	AXTime        int64  `json:"ax_time"`
	IsAlias       bool   `json:"is_alias"`
}
