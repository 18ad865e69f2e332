package checkpoint

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// BackupInfo links a checkpoint to the last completed backup.
type BackupInfo struct {
	ID                   uuid.UUID
	HighestBackedUpEpoch types.Epoch
	HighestBackedUpLSN   types.LSN
	RecordCount          uint32
	LogSizeKB            uint32
}

// NoBackup is the linkage of a replica that was never backed up.
var NoBackup = BackupInfo{
	ID:                   uuid.Nil,
	HighestBackedUpEpoch: types.InvalidEpoch,
	HighestBackedUpLSN:   types.InvalidLSN,
}

// NewBackupInfo describes a completed backup with a fresh identifier.
func NewBackupInfo(epoch types.Epoch, lsn types.LSN, recordCount, logSizeKB uint32) BackupInfo {
	return BackupInfo{
		ID:                   uuid.New(),
		HighestBackedUpEpoch: epoch,
		HighestBackedUpLSN:   lsn,
		RecordCount:          recordCount,
		LogSizeKB:            logSizeKB,
	}
}

// IsValid reports whether a backup has happened.
func (b BackupInfo) IsValid() bool {
	return b.ID != uuid.Nil
}

func (b BackupInfo) String() string {
	if !b.IsValid() {
		return "backup=none"
	}
	return fmt.Sprintf("backup=%s epoch=%s lsn=%d records=%d sizeKB=%d",
		b.ID, b.HighestBackedUpEpoch, b.HighestBackedUpLSN, b.RecordCount, b.LogSizeKB)
}
