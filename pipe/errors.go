package pipe

import "errors"

// ErrAlreadyStarted is returned when Pipe or ApplyMiddleware is called
// on a pipe that has already been started.
var ErrAlreadyStarted = errors.New("pipe: already started")

// ErrShutdownDropped is passed to ErrorHandler for an input whose output
// send was interrupted by a forced shutdown.
var ErrShutdownDropped = errors.New("pipe: dropped during shutdown")
