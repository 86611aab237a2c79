package sync

import (
	"log"
	"time"

	"github.com/tasklytic/tasklytic/internal/schema"
)

// Level is the severity of a Notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeRejected      NoticeKind = "rejected"
	NoticeSchemaInvalid NoticeKind = "schema_invalid"
	NoticeConflict      NoticeKind = "conflict"
	NoticeStorage       NoticeKind = "storage"
	NoticeOffline       NoticeKind = "offline"
)

// Notice is something the user should see: a rejected change, a local edit
// lost to a conflict, a failing disk.
type Notice struct {
	Level   Level
	Kind    NoticeKind
	Key     schema.Key
	Message string
	At      time.Time
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (l LogNotifier) Notify(n Notice) {
	if l.Logger == nil {
		return
	}
	if n.Key.ID != "" {
		l.Logger.Printf("%s: %s %s: %s", n.Level, n.Kind, n.Key, n.Message)
		return
	}
	l.Logger.Printf("%s: %s: %s", n.Level, n.Kind, n.Message)
}

// ChanNotifier delivers notices on a channel, dropping them when the
// channel is full.
type ChanNotifier chan Notice

func (c ChanNotifier) Notify(n Notice) {
	select {
	case c <- n:
	default:
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
