package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New builds a JSON-formatted logrus logger writing to stderr (logrus's
// default output) plus a size-rotated log file and an in-memory ring buffer,
// mirroring the teacher's async/rotated-file logging split (core/logger.go,
// core/log_rotator.go) but collapsed onto a single io.MultiWriter rather than a bespoke
// batching worker, since nothing here needs the DB-flush semantics that
// motivated the teacher's AsyncRequestLogger.
func New(logFile string, ring *Ring) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})

	writers := []io.Writer{log.Out}
	if logFile != "" {
		rotator, err := NewRotator(logFile, 50)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rotator)
	}
	if ring != nil {
		writers = append(writers, ring)
	}
	log.SetOutput(io.MultiWriter(writers...))
	return log, nil
}
