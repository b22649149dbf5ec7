package backend

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Joinerlee/lerobot/database"
)

// handleVideoUpload accepts a recorded camera segment and routes it to the
// object store, recording a video_chunks row on success.
//
// Multipart form fields: file, session_id, camera_key, start_timestamp,
// end_timestamp.
func (s *Server) handleVideoUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	ctx := r.Context()
	maxBytes := s.cfg.VideoMaxSizeBytes()

	// Declared size hint first; the post-read check below is authoritative.
	if r.ContentLength > maxBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large",
			"request exceeds limit of "+strconv.FormatInt(s.cfg.VideoMaxSizeMB, 10)+" MiB")
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_file", "form field 'file' is required")
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	if !s.cfg.ExtensionAllowed(ext) {
		writeError(w, r, http.StatusBadRequest, "invalid_extension",
			"extension "+ext+" not in allow-list "+strings.Join(s.cfg.VideoAllowedExtensions, ","))
		return
	}

	sessionID, err := strconv.ParseInt(r.FormValue("session_id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_session_id", "session_id must be an integer")
		return
	}
	cameraKey := r.FormValue("camera_key")
	if cameraKey == "" {
		writeError(w, r, http.StatusBadRequest, "missing_camera_key", "camera_key is required")
		return
	}
	startTS, err := strconv.ParseFloat(r.FormValue("start_timestamp"), 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_timestamp", "start_timestamp must be a number")
		return
	}
	endTS, err := strconv.ParseFloat(r.FormValue("end_timestamp"), 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_timestamp", "end_timestamp must be a number")
		return
	}

	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if session == nil {
		writeError(w, r, http.StatusNotFound, "session_not_found",
			"Unknown session: "+strconv.FormatInt(sessionID, 10))
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "read_error", err.Error())
		return
	}
	if int64(len(content)) > maxBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large",
			"file exceeds limit of "+strconv.FormatInt(s.cfg.VideoMaxSizeMB, 10)+" MiB")
		return
	}

	result := s.store.Upload(ctx, content, sessionID, cameraKey, startTS, nil)
	if !result.Success {
		writeError(w, r, http.StatusInternalServerError, "upload_failed", result.Error)
		return
	}

	chunkID, err := s.db.InsertVideoChunk(ctx, database.VideoChunk{
		SessionID:      sessionID,
		RobotID:        session.RobotID,
		CameraKey:      cameraKey,
		FilePath:       result.Path,
		StartTimestamp: startTS,
		EndTimestamp:   endTS,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_id":     chunkID,
		"path":         result.Path,
		"storage_type": result.StorageKind,
		"size":         result.Size,
		"duration_ms":  result.DurationMs,
	})
}

// handleUploadSync stores a sidecar dataset file under
// {BACKUP_DIR}/{dataset_name}/{relative_path}.
func (s *Server) handleUploadSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_file", "form field 'file' is required")
		return
	}
	defer file.Close()

	datasetName := r.FormValue("dataset_name")
	relativePath := r.FormValue("relative_path")
	if datasetName == "" || relativePath == "" {
		writeError(w, r, http.StatusBadRequest, "missing_field", "dataset_name and relative_path are required")
		return
	}

	destPath, err := datasetFilePath(s.cfg.BackupDir, datasetName, relativePath)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		writeError(w, r, http.StatusInternalServerError, "write_error", err.Error())
		return
	}
	dest, err := os.Create(destPath)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "write_error", err.Error())
		return
	}
	defer dest.Close()

	written, err := io.Copy(dest, file)
	if err != nil {
		os.Remove(destPath)
		writeError(w, r, http.StatusInternalServerError, "write_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"path": destPath, "size": written})
}

// datasetFilePath joins and validates the destination, rejecting any
// relative path that escapes the dataset root.
func datasetFilePath(backupDir, datasetName, relativePath string) (string, error) {
	if strings.Contains(datasetName, "/") || strings.Contains(datasetName, "\\") || datasetName == ".." {
		return "", errors.New("dataset_name must be a single path segment")
	}

	root := filepath.Join(backupDir, datasetName)
	dest := filepath.Join(root, filepath.FromSlash(relativePath))
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", errors.New("relative_path escapes the dataset directory")
	}
	return dest, nil
}

func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Health(r.Context()))
}
