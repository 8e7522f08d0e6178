package model

// Roles carried in the "role" claim of access tokens.  Authentication itself
// lives in another service; this service only checks the claims.
const (
	RoleCustomer = "CUSTOMER"
	RoleStaff    = "STAFF"
	RoleAdmin    = "ADMIN"
)
