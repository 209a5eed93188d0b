// Package internal centralizes every source of randomness the step-up engine
// uses: challenge bearer tokens, numeric one-time codes, and recovery codes,
// plus the hashing applied before any of them is stored. Keeping generation
// in one place makes the unpredictability property auditable in one file.
package internal
