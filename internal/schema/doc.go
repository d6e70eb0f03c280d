// Package schema validates plugin settings against declarative per-field rules.
//
// A Schema maps setting keys to Rules (type, default, required, allowed set,
// numeric range). Two entry points share one validation pass:
//   - Check: advisory, always returns the merged settings plus problems
//   - Validate: strict, fails hard when a fatal rule is violated
//
// Rule defaults and allowed sets may carry ${TOKEN} markers that are resolved
// through a ProviderRegistry before validation.
package schema
