package domain

import "time"

type UploadStatus string

const (
	BlobStaged    UploadStatus = "staged"
	BlobUploading UploadStatus = "uploading"
	BlobUploaded  UploadStatus = "uploaded"
	BlobFailed    UploadStatus = "failed"
)

type BlobRecord struct {
	ID           string       `json:"id"`
	LocalPath    string       `json:"local_path,omitempty"`
	Size         int64        `json:"size"`
	ContentType  string       `json:"content_type"`
	UploadStatus UploadStatus `json:"upload_status"`
	RemoteURL    string       `json:"remote_url,omitempty"`
	StagedAt     time.Time    `json:"staged_at"`
}
