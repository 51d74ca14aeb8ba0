package domain

import "time"

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

type TransferStatus string

const (
	TransferStatusQueued    TransferStatus = "queued"
	TransferStatusRunning   TransferStatus = "running"
	TransferStatusSucceeded TransferStatus = "succeeded"
	TransferStatusFailed    TransferStatus = "failed"
)

// Transfer is a journal entry describing one upload or download handled by this client.
type Transfer struct {
	ID               string
	Direction        Direction
	ClientName       string
	ProjectName      string
	LocalPath        string
	Status           TransferStatus
	Progress         int
	BytesTransferred int64
	TotalBytes       int64
	MirrorLocation   string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       *time.Time
	Files            []TransferFile
}

// TransferFile is one member of a transfer's payload: the code bundle and data
// archive of an upload, or the result file of a download.
type TransferFile struct {
	ID         int64
	TransferID string
	Role       string
	Name       string
	Path       string
	Size       int64
}
