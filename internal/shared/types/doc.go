// Package types holds the data shapes that cross package boundaries:
// the normalized proxy event stream and the message actions delivered to the
// sandbox channel. Component-private types (header rules, envelopes,
// correlation entries) live with their owning packages.
package types
