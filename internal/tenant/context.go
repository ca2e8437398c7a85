// Package tenant resolves the schema a request operates on from its bearer
// token and carries it, with the caller's identity, in the request context.
package tenant

import "context"

type contextKey struct{ name string }

var (
	schemaKey = contextKey{"schema"}
	userKey   = contextKey{"user"}
)

// User is the caller identity taken from the token.
type User struct {
	ID    string
	Email string
	Role  string
}

// WithSchema returns a copy of ctx carrying schema.
func WithSchema(ctx context.Context, schema string) context.Context {
	return context.WithValue(ctx, schemaKey, schema)
}

// SchemaFromContext returns the schema stored by the middleware.
func SchemaFromContext(ctx context.Context) (string, bool) {
	schema, ok := ctx.Value(schemaKey).(string)
	return schema, ok && schema != ""
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the caller, if the token named one.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok && user != nil
}
