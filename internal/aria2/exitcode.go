package aria2

import "fmt"

var exitMessages = map[int]string{
	1:  "Unknown error occurred",
	2:  "Time exceeded",
	3:  "Resource not found",
	4:  "Network problem occurred",
	5:  "Quota exceeded",
	6:  "Checksum error",
	7:  "Same file already exists",
	8:  "Renamed file already exists",
	9:  "File not found",
	10: "No permission to create directory",
	11: "Name resolution failed",
	12: "Network is unreachable",
	13: "Network is down",
	14: "Network is unreachable",
	15: "Host is unreachable",
	16: "Connection refused",
	17: "Connection timed out",
	18: "Connection reset by peer",
	19: "Network is unreachable",
	20: "Network is unreachable",
	21: "Network is unreachable",
	22: "Invalid argument",
	23: "File I/O error",
	24: "File I/O error",
	25: "File I/O error",
	26: "File I/O error",
	27: "File I/O error",
	28: "Network problem occurred (server error or connection issue)",
	29: "Network problem occurred",
	30: "Network problem occurred",
}

var retryable = map[int]struct{}{
	2: {}, 4: {}, 11: {}, 12: {}, 13: {}, 14: {}, 15: {}, 16: {},
	17: {}, 18: {}, 19: {}, 20: {}, 21: {}, 28: {}, 29: {}, 30: {},
}

// ExitMessage is a human readable reason for a downloader exit code.
func ExitMessage(code int) string {
	if msg, ok := exitMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error (exit code: %d)", code)
}

// Retryable reports whether an exit code is worth another attempt.
func Retryable(code int) bool {
	_, ok := retryable[code]
	return ok
}

// ExitError is a nonzero downloader exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("downloader exited with code %d: %s", e.Code, ExitMessage(e.Code))
}

func (e *ExitError) Retryable() bool { return Retryable(e.Code) }
