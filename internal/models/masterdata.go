package models

// User is the acting identity resolved from a bearer token.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
	IsBot    bool   `json:"is_bot"`
}

// Capability is one (module, action) grant on a role.
type Capability struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

// Project, Vendor, Account and PaymentMethod are read-only master data;
// the core holds them by reference only.
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stage string `json:"stage"` // current construction stage
}

type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
}

type PaymentMethod struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
