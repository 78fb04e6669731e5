// Package logging builds the zerolog loggers used across the repo. Warnings
// and errors are mirrored onto the MQTT log channel so a remote operator
// sees failures even if the process dies right after.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
)

// New returns a logger writing human-readable lines to w (stderr if nil),
// tagged with the job name.
func New(name string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("task", name).Logger()
}

// busRecord is the payload published on the log channel.
type busRecord struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Task      string `json:"task"`
	Timestamp string `json:"timestamp"`
}

// BusHook republishes warning-and-above records to <ns>/<unit>/<experiment>/logs/app.
type BusHook struct {
	Bus   pubsub.Bus
	Topic string
	Task  string
}

// LogTopic builds the conventional log channel topic.
func LogTopic(namespace, unit, experiment string) string {
	return fmt.Sprintf("%s/%s/%s/logs/app", namespace, unit, experiment)
}

func (h BusHook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if h.Bus == nil || level < zerolog.WarnLevel || level >= zerolog.NoLevel {
		return
	}
	h.Bus.Publish(h.Topic, busRecord{
		Message:   message,
		Level:     level.String(),
		Task:      h.Task,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, false)
}

// WithBus attaches a BusHook to an existing logger.
func WithBus(log zerolog.Logger, bus pubsub.Bus, topic, task string) zerolog.Logger {
	return log.Hook(BusHook{Bus: bus, Topic: topic, Task: task})
}
