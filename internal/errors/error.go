// Package errors provides custom error types for economy operations.
package errors

import "errors"

var ErrAccountNotFound = errors.New("account not found")
var ErrItemNotFound = errors.New("item not found")

var ErrInvalidQuantity = errors.New("requested quantity must be positive")
var ErrInsufficientStock = errors.New("insufficient stock")
var ErrInsufficientFunds = errors.New("insufficient funds")
var ErrCostOverflow = errors.New("purchase cost is not representable")

var ErrTxConflict = errors.New("write conflict: the record has been modified by another transaction")

var ErrTransactionBegin = errors.New("failed to begin transaction")
var ErrTransactionCommit = errors.New("failed to commit transaction")
var ErrTransactionRollback = errors.New("failed to rollback transaction")
