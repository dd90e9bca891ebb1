package globals

type ContextKey string

// UserIDKey carries the authenticated user id through request contexts.
const UserIDKey ContextKey = "userId"
