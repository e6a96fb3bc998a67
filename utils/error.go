package utils

import "errors"

// ErrorRecordNotFound is the miss sentinel returned by model lookups so
// handlers can branch on "not found" without importing gorm.
var ErrorRecordNotFound = errors.New("record not found")
