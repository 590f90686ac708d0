package main

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// maxUploadBytes caps session recordings at 500 MB, enough for a multi-hour
// session at speech bitrates.
const maxUploadBytes = 500 << 20

// uuidRegex matches UUID v4 format: 8-4-4-4-12 lowercase hex with dashes.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// idRegex matches patient and therapist identifiers.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// safeFilenameRegex allows alphanumeric, dots, hyphens, underscores, spaces,
// and parentheses.
var safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ ()-]{0,254}$`)

// allowedAudioTypes is the content-type allowlist for session recordings.
var allowedAudioTypes = map[string]bool{
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/wave":   true,
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/mp4":    true,
	"audio/m4a":    true,
	"audio/x-m4a":  true,
	"audio/aac":    true,
	"audio/webm":   true,
	"audio/ogg":    true,
	"audio/flac":   true,
	"audio/x-flac": true,
}

// allowedAudioExtensions backstops uploads whose browser sent a generic
// content type.
var allowedAudioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".mp4":  true,
	".aac":  true,
	".webm": true,
	".ogg":  true,
	".flac": true,
}

func validateSessionID(id string) error {
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid session_id: must be a UUID")
	}
	return nil
}

func validateActorID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid %s", field)
	}
	return nil
}

func validateAudioUpload(filename, contentType string) error {
	if filename == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		return fmt.Errorf("filename contains invalid characters")
	}
	if !safeFilenameRegex.MatchString(filename) {
		return fmt.Errorf("filename contains invalid characters")
	}

	// Accept either a recognized audio content type or, for generic types
	// like application/octet-stream, a recognized audio extension.
	if allowedAudioTypes[strings.ToLower(contentType)] {
		return nil
	}
	if allowedAudioExtensions[strings.ToLower(filepath.Ext(filename))] {
		return nil
	}
	return fmt.Errorf("unsupported audio type %q", contentType)
}
