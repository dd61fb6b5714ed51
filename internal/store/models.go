package store

import "time"

type User struct {
	ID             string    `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Guest struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Owner identifies who a chat belongs to. Exactly one field is set.
type Owner struct {
	GuestID string `json:"guest_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func (o Owner) Valid() bool {
	return (o.GuestID == "") != (o.UserID == "")
}

// ID returns whichever identifier is set.
func (o Owner) ID() string {
	if o.UserID != "" {
		return o.UserID
	}
	return o.GuestID
}

type Chat struct {
	ID        string    `json:"id"`
	GuestID   *string   `json:"guest_id"`
	UserID    *string   `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type ConnectionStatus string

const (
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionCompleted ConnectionStatus = "completed"
	ConnectionError     ConnectionStatus = "error"
)

type Connection struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"user_id"`
	IntegrationID       string           `json:"integration_id"`
	AuthConfigID        string           `json:"auth_config_id"`
	ConnectionRequestID string           `json:"connection_request_id"`
	ConnectionID        *string          `json:"connection_id"`
	Status              ConnectionStatus `json:"status"`
	RedirectURL         string           `json:"redirect_url"`
	ErrorMessage        *string          `json:"error_message,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}
