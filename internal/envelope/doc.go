// Package envelope defines the message unit exchanged between the
// coordinator and its workers, the length-prefixed wire framing used when a
// worker lives outside the coordinator's process, and the payload codec
// contract that turns domain values into envelopes and back.
package envelope
