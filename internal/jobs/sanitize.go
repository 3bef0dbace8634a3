package jobs

import (
	"errors"
	"net"
	"os"
	"strings"
)

// userMessager is implemented by errors that carry their own user-safe text.
type userMessager interface {
	UserMessage() string
}

const genericFailureMessage = "Processing failed unexpectedly. Please try again or check the log file for details."

// SanitizeError converts a processing error into a message that is safe to
// show in the interactive layer. The raw error is never returned verbatim.
func SanitizeError(err error) string {
	if err == nil {
		return genericFailureMessage
	}

	var um userMessager
	if errors.As(err, &um) {
		if msg := strings.TrimSpace(um.UserMessage()); msg != "" {
			return msg
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return "A required file could not be found. Please check that the input file still exists and try again."
	}
	if errors.Is(err, os.ErrPermission) {
		return "Permission denied when accessing a file or directory. Please check file permissions and try again."
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "A network connection error occurred. Please check your internet connection and try again."
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "connection") || strings.Contains(text, "network"):
		return "A network connection error occurred. Please check your internet connection and try again."
	case strings.Contains(text, "out of memory") || strings.Contains(text, "memory"):
		return "The application ran out of memory. Please close other applications and try a smaller file."
	case strings.Contains(text, "cuda") || strings.Contains(text, "gpu"):
		return "A GPU processing error occurred. Try selecting the CPU device in settings."
	case strings.Contains(text, "model") || strings.Contains(text, "demucs"):
		return "An error occurred while loading or running the separation model. Try a different model or restart the application."
	default:
		return genericFailureMessage
	}
}
