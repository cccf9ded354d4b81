package client

// EntityKey identifies a graph node.
type EntityKey struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Session describes the caller's login session.
type Session struct {
	ID             string   `json:"id"`
	Token          string   `json:"token,omitempty"`
	Account        string   `json:"account"`
	AccountID      int64    `json:"account_id"`
	Encoding       string   `json:"encoding"`
	TimeoutSeconds int64    `json:"timeout_seconds"`
	Transactions   []string `json:"transactions"`
}

// Transaction reports a transaction's status and the nodes it references.
type Transaction struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Nodes  []EntityKey `json:"nodes,omitempty"`
}

// Entity is a snapshot of a node's attributes.
type Entity struct {
	Type       string         `json:"type"`
	ID         int64          `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// LockState shows who holds a node's locks. Held is "read", "write" or
// empty from the calling transaction's point of view.
type LockState struct {
	Readers []string `json:"readers"`
	Writer  string   `json:"writer,omitempty"`
	Held    string   `json:"held,omitempty"`
}

// LockMode selects a shared or exclusive lock.
type LockMode string

const (
	LockRead  LockMode = "read"
	LockWrite LockMode = "write"
)

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

type encodingRequest struct {
	Encoding string `json:"encoding"`
}

type attribute struct {
	Name  string `json:"name,omitempty"`
	Value any    `json:"value"`
}

type lockRequest struct {
	Mode LockMode `json:"mode"`
}

type keysResponse struct {
	Keys []EntityKey `json:"keys"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
