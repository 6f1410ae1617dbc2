// Package dbctx threads one context/transaction pair through the session
// repositories, so a commit's metadata save and a repair pass's reads run
// inside the same transaction when the caller opened one.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles the caller's context with an optional GORM transaction.
// When Tx is nil, repositories fall back to their own connection.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
