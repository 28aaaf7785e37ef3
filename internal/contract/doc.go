// Package contract enforces the mutable schema contract on inbound records.
//
// A Contract maps column names to a declared type (string, number, integer,
// boolean, datetime, date) and a required flag. The Registry owns the active
// contract behind an atomic pointer: admin replacement persists the new
// contract as JSON and swaps it in one step, so concurrent validations never
// observe a half-updated schema.
//
// ValidateRecord coerces values to their declared types and rejects with the
// first failure, reported as missing_required:<col> or type_error:<col>:<type>.
// Columns absent from the contract pass through unchanged. With no contract
// loaded, validation is a no-op.
package contract
