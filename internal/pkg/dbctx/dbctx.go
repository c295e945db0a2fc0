package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context is the per-call database scope handed to repos: the caller's
// context plus the transaction the call should join. A nil Tx means the repo
// runs against its own connection.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
