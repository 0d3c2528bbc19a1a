package cache

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TxOp is one operation executed inside a cache transaction.
type TxOp func(tx *gorm.DB) error

// RollbackFn is a compensating action registered alongside a
// transaction. Rollback callbacks run outside the transaction, in
// reverse registration order; their failures are logged, not propagated.
type RollbackFn func() error

// RunTransaction executes ops in order inside one transaction with the
// busy timeout raised for its duration. On any failure the transaction
// aborts, rollback callbacks run, and the original error is returned.
func (c *BookCache) RunTransaction(ops []TxOp, rollbacks []RollbackFn) error {
	return c.RunTransactionWithTimeout(ops, rollbacks, c.busyTimeout)
}

// RunTransactionWithTimeout is RunTransaction with a per-operation busy
// timeout override.
func (c *BookCache) RunTransactionWithTimeout(ops []TxOp, rollbacks []RollbackFn, busyTimeout time.Duration) error {
	if busyTimeout > c.busyTimeout {
		if err := c.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())).Error; err != nil {
			return fmt.Errorf("failed to raise busy timeout: %w", err)
		}
		defer func() {
			if err := c.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeout.Milliseconds())).Error; err != nil {
				c.log.Warn("Failed to restore busy timeout", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		for i, op := range ops {
			if err := op(tx); err != nil {
				return fmt.Errorf("transaction operation %d failed: %w", i, err)
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	for i := len(rollbacks) - 1; i >= 0; i-- {
		if rbErr := rollbacks[i](); rbErr != nil {
			c.log.Error("Rollback callback failed", map[string]interface{}{
				"callback": i,
				"error":    rbErr.Error(),
			})
		}
	}

	return err
}
