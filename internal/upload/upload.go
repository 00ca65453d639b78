// Package upload holds the unit of work the pipeline moves through its
// stages: the Upload record, its processing status machine, and the store
// contract every persistence backend implements.
package upload

import (
	"strings"
	"time"
)

// Upload is the persistent record for one uploaded file. The pipeline only
// ever touches the mutable processing fields; everything else is written once
// at creation.
type Upload struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`

	OriginalFilename string `json:"originalFilename"`
	Extension        string `json:"extension"`
	ContentType      string `json:"contentType"`
	FileSize         int64  `json:"fileSize"`
	Directory        string `json:"directory"`
	UploaderID       int64  `json:"uploaderId"`

	ProcessingStatus       Status     `json:"processingStatus"`
	ProcessingErrorMessage string     `json:"processingErrorMessage,omitempty"`
	RetryCount             int        `json:"retryCount"`
	LastFailedAt           *time.Time `json:"lastFailedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version is the optimistic-concurrency counter. Store.Update refuses a
	// write whose Version does not match the stored row.
	Version int64 `json:"-"`
}

// StoredFilename is the object name under which the payload lives in the
// file store. The UUID keeps keys collision-free across re-uploads of the
// same original name.
func (u *Upload) StoredFilename() string {
	if u.Extension == "" {
		return u.UUID
	}
	return u.UUID + "." + u.Extension
}

// StorageKey is the full object key inside the bucket.
func (u *Upload) StorageKey() string {
	if u.Directory == "" {
		return u.StoredFilename()
	}
	return u.Directory + "/" + u.StoredFilename()
}

// IsAudio reports whether the payload needs the audio conversion stage.
func (u *Upload) IsAudio() bool {
	if strings.HasPrefix(u.ContentType, "audio/") {
		return true
	}
	switch strings.ToLower(u.Extension) {
	case "mp3", "m4a", "flac", "aac", "ogg", "wav", "wma":
		return true
	}
	return false
}

// IsImage reports whether the payload needs the image optimization stage.
func (u *Upload) IsImage() bool {
	return strings.HasPrefix(u.ContentType, "image/")
}

// ApplyStatus mutates the processing fields for a transition to next. The
// caller persists the mutated record through Store.Update; ApplyStatus itself
// never touches storage. A transition that advances the stage clears the
// error message and resets the per-stage retry counter.
func (u *Upload) ApplyStatus(next Status, errorMessage string, now time.Time) {
	if advancesStage(u.ProcessingStatus, next) {
		u.RetryCount = 0
		u.LastFailedAt = nil
		u.ProcessingErrorMessage = ""
	}
	if errorMessage != "" {
		u.ProcessingErrorMessage = errorMessage
		t := now
		u.LastFailedAt = &t
	}
	u.ProcessingStatus = next
	u.UpdatedAt = now
}
