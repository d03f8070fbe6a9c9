package websocket

// Client to Server messages

type ClientMessage struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id,omitempty"`
}

// Server to Client control messages. Project events are sent as
// domain.Notification values and carry their kind in "type".

type SubscribedMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"`
}

// Error codes sent in ErrorMessage.
const (
	CodeInvalidJSON    = "INVALID_JSON"
	CodeUnknownAction  = "UNKNOWN_ACTION"
	CodeInvalidProject = "INVALID_PROJECT"
	CodeForbidden      = "FORBIDDEN"
)

// NewSubscribedMessage creates a subscribed confirmation.
func NewSubscribedMessage(projectID string) *SubscribedMessage {
	return &SubscribedMessage{Type: "subscribed", ProjectID: projectID}
}

// NewUnsubscribedMessage creates an unsubscribed confirmation.
func NewUnsubscribedMessage(projectID string) *SubscribedMessage {
	return &SubscribedMessage{Type: "unsubscribed", ProjectID: projectID}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    "error",
		Code:    code,
		Message: message,
	}
}

// NewPongMessage creates a pong response.
func NewPongMessage() *PongMessage {
	return &PongMessage{Type: "pong"}
}
