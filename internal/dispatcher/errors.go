package dispatcher

import (
	"errors"

	"messenger-service/internal/models"
)

// Kind classifies why an action was rejected.
type Kind string

const (
	KindAuthorization Kind = "authorization_failure"
	KindValidation    Kind = "validation_failure"
	KindNotFound      Kind = "not_found"
	KindPersistence   Kind = "persistence_failure"
)

// ActionError is returned for every rejected action. Message is safe to show
// to the initiating client; Err is for logs only.
type ActionError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func authorizationFailure(msg string) error {
	return &ActionError{Kind: KindAuthorization, Message: msg}
}

func validationFailure(msg string) error {
	return &ActionError{Kind: KindValidation, Message: msg}
}

func notFound(msg string) error {
	return &ActionError{Kind: KindNotFound, Message: msg}
}

func persistenceFailure(err error) error {
	return &ActionError{Kind: KindPersistence, Message: "could not save changes, try again", Err: err}
}

// KindOf returns the error kind, treating unclassified errors as persistence failures.
func KindOf(err error) Kind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindPersistence
}

// ErrorEvent builds the error event sent back to the connection that issued action.
func ErrorEvent(action models.InboundAction, err error) models.Event {
	msg := "could not save changes, try again"
	var ae *ActionError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	return models.Event{
		Type: models.EventError,
		Data: models.ErrorEvent{
			Action:    action.Action,
			RequestID: action.RequestID,
			Kind:      string(KindOf(err)),
			Message:   msg,
		},
	}
}
