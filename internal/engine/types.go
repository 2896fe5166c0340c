package engine

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// DownloadFile is one binary of a download: the articles that carry it and
// the groups they were posted to.
type DownloadFile struct {
	Name     string   `json:"name"`
	Size     int64    `json:"size"`
	Groups   []string `json:"groups"`
	Articles []string `json:"articles"`
}

// Download is a job description handed to the engine.
type Download struct {
	Account int            `json:"account"`
	Path    string         `json:"path"`
	Desc    string         `json:"desc"`
	Files   []DownloadFile `json:"files"`
}

// NumArticles counts the articles of all files.
func (d Download) NumArticles() int {
	n := 0
	for _, f := range d.Files {
		n += len(f.Articles)
	}
	return n
}

// Size is the sum of the announced file sizes.
func (d Download) Size() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.Size
	}
	return n
}

// FileReport announces a finished file.
type FileReport struct {
	TaskID  uint64 `json:"task_id"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Binary  bool   `json:"binary"`
	Damaged bool   `json:"damaged"`
}

// Flags summarize what went wrong in a task without failing it.
type Flags uint8

const (
	FlagDmca Flags = 1 << iota
	FlagUnavailable
	FlagDamaged
	FlagError
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	var names []string
	for _, n := range []struct {
		flag Flags
		name string
	}{{FlagDmca, "dmca"}, {FlagUnavailable, "unavailable"}, {FlagDamaged, "damaged"}, {FlagError, "error"}} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func (f Flags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Flags) UnmarshalText(b []byte) error {
	*f = 0
	for _, name := range strings.Split(string(b), ",") {
		switch strings.TrimSpace(name) {
		case "dmca":
			*f |= FlagDmca
		case "unavailable":
			*f |= FlagUnavailable
		case "damaged":
			*f |= FlagDamaged
		case "error":
			*f |= FlagError
		case "none", "":
		default:
			return fmt.Errorf("unknown flag %q", name)
		}
	}
	return nil
}

// Error is an error event raised by a task.
type Error struct {
	TaskID      uint64
	Message     string
	Description string
	// Errno is the system error code behind the failure, if any.
	Errno syscall.Errno
	Err   error
}

func newError(taskID uint64, resource string, err error) *Error {
	e := &Error{TaskID: taskID, Message: err.Error(), Description: resource, Err: err}
	errors.As(err, &e.Errno)
	return e
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Description, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Listener receives the results of tasks. Calls are made from the engine
// loop and must not block for long.
type Listener interface {
	FileComplete(FileReport)
	TaskError(*Error)
	TaskUpdate(TaskInfo)
}

type nopListener struct{}

func (nopListener) FileComplete(FileReport) {}
func (nopListener) TaskError(*Error)        {}
func (nopListener) TaskUpdate(TaskInfo)     {}

// TaskInfo is a point in time view of a task.
type TaskInfo struct {
	ID          uint64       `json:"id"`
	Key         string       `json:"key"`
	Desc        string       `json:"desc"`
	Path        string       `json:"path"`
	Account     int          `json:"account"`
	State       State        `json:"state"`
	Flags       Flags        `json:"flags"`
	Articles    int          `json:"articles"`
	Ready       int          `json:"ready"`
	Size        int64        `json:"size"`
	Received    uint64       `json:"received"`
	Debuffering bool         `json:"debuffering"`
	Files       []FileReport `json:"files,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Progress is the share of articles accounted for, between 0 and 1.
func (i TaskInfo) Progress() float64 {
	if i.Articles == 0 {
		return 1
	}
	return float64(i.Ready) / float64(i.Articles)
}

// Snapshot is what gets persisted for a task: its last view, the job it was
// given and the bitmap of accounted articles.
type Snapshot struct {
	Info     TaskInfo
	Download Download
	Done     []byte
}
