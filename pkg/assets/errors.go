package assets

import "github.com/rotisserie/eris"

var (
	// ErrNoSources is returned when an operation has nothing to read from.
	ErrNoSources = eris.New("no source files")
	// ErrNoDestination is returned when a file set lacks a destination directory.
	ErrNoDestination = eris.New("no destination")
	// ErrEmptyReplacement is returned when a replacement would substitute the empty string
	// and the caller didn't allow that. This usually means the version variable is unset.
	ErrEmptyReplacement = eris.New("replacement value is empty")
)
