// Package device holds what the radio backends and the CLI share about BLE resources:
// the error taxonomy (connection states, not-found resources, power and timeout errors),
// backend error normalisation, and UUID normalisation and parsing.
package device
