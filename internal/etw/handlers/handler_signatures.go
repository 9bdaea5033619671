package handlers

import (
	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/event"
)

// HandlerFunc is the signature shared by every event handler.
type HandlerFunc func(record *event.Record) error

// This interface defines a common interface for registering routes from the handlers to the dispatcher.
// So not to cause cicle imports, we define it here and use it in the handlers.
type Router interface {
	AddRoute(category guid.GUID, subtype uint8, handler HandlerFunc)
}
