// Package protocol defines the distbuild wire messages.
//
// Every message is a flat JSON object with a "type" discriminator and a
// correlation "id". Each type declares its required and optional fields;
// New refuses to build a message that lacks a required field or carries an
// unknown one, and Validate applies the same check to messages received from
// the network.
//
// Messages travel one per line (JSON lines) over TCP, see Encoder and Decoder.
//
// The protocol carries a single monotonic Version in session-establishing
// messages (build-request, list-requests, build-cancel, build-status).
// A peer speaking another version is answered with an explanatory message,
// never by dropping the connection.
package protocol
