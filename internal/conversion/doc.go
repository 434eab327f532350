// Package conversion defines the conversion types shared by the normalizer,
// the delivery pipeline and the collector gateway.
//
// A conversion is a business outcome (a sale or a lead) worth reporting to
// the collector. It is built once per recognized bus event, carries the
// attribution snapshot in effect at the moment it was built, and is consumed
// exactly once by the delivery pipeline.
//
// # Amounts
//
// Prices and totals are apd decimals. They are converted to float64 only at
// the wire boundary, where the collector expects JSON numbers.
//
// # Identity
//
// Key computes a content-addressed identifier for a conversion from its kind
// and order id, using canonical JSON and SHA-256 with domain separation. The
// gateway uses it to mark postbacks as sent.
package conversion
