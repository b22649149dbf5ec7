package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// localPath builds {backup_root}/videos/{session_id}_{camera_key}_{floor(ts)}.mp4.
func (s *Service) localVideoPath(sessionID int64, cameraKey string, timestamp float64) string {
	filename := fmt.Sprintf("%d_%s_%d.mp4", sessionID, cameraKey, int64(timestamp))
	return filepath.Join(s.opts.BackupDir, "videos", filename)
}

func (s *Service) uploadToLocal(content []byte, sessionID int64, cameraKey string, timestamp float64, progress ProgressFunc) UploadResult {
	path := s.localVideoPath(sessionID, cameraKey, timestamp)
	size := int64(len(content))

	snapshot := UploadProgress{
		TotalBytes: size,
		Status:     StatusUploading,
		LocalPath:  path,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return s.localFailure(snapshot, progress, fmt.Errorf("create videos dir: %w", err))
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return s.localFailure(snapshot, progress, fmt.Errorf("write video file: %w", err))
	}

	snapshot.UploadedBytes = size
	snapshot.Status = StatusCompleted
	emit(progress, snapshot)

	return UploadResult{
		Success:     true,
		StorageKind: KindLocal,
		Path:        path,
	}
}

func (s *Service) localFailure(snapshot UploadProgress, progress ProgressFunc, err error) UploadResult {
	s.log.Error("local video write failed", "path", snapshot.LocalPath, "error", err)
	snapshot.Status = StatusFailed
	snapshot.Error = err.Error()
	emit(progress, snapshot)
	return UploadResult{StorageKind: KindLocal, Error: err.Error()}
}
