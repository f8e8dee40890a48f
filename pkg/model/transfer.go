package model

import "time"

// TransferDirection is which way a Transfer moves bytes.
type TransferDirection string

const (
	DownloadFromConnect TransferDirection = "DOWNLOAD_FROM_CONNECT"
	DownloadFromURL     TransferDirection = "DOWNLOAD_FROM_URL"
	UploadToConnect     TransferDirection = "UPLOAD_TO_CONNECT"
)

// TransferState is where a Transfer sits in its lifecycle (spec §4.4).
type TransferState string

const (
	TransferEnqueued TransferState = "ENQUEUED"
	TransferRunning  TransferState = "RUNNING"
	TransferFinishing TransferState = "FINISHING"
	TransferFinished TransferState = "FINISHED"
	TransferAborted  TransferState = "ABORTED"
	TransferFailed   TransferState = "FAILED"
)

// Transfer describes one in-flight or completed file transfer.
type Transfer struct {
	ID              uint32
	CommandID       *uint32
	Direction       TransferDirection
	SourceURL       string
	DestinationPath string
	Storage         string

	State             TransferState
	BytesTransferred  int64
	TotalBytes        int64 // -1 when unknown
	ThrottleBytesPerS int64 // 0 means unthrottled

	StartedAt      time.Time
	LastProgressAt time.Time
	Reason         string
}

// Done reports whether the transfer has reached a terminal state.
func (t Transfer) Done() bool {
	switch t.State {
	case TransferFinished, TransferAborted, TransferFailed:
		return true
	default:
		return false
	}
}
