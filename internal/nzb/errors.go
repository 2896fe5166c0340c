package nzb

import "errors"

var (
	ErrNoFiles    = errors.New("nzb: no files")
	ErrNoSegments = errors.New("nzb: file has no segments")
)
