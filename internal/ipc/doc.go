// Package ipc implements a paired loopback messaging endpoint.
//
// Each Endpoint listens on one localhost port and sends to exactly one
// partner port. A message is an HTTP POST to http://localhost:<partner>/
// whose body is the JSON encoding of the value; the receiver always answers
// 200 with an empty body. Messages carry no type tag: the receiver tries to
// decode each payload into the shape of every registered handler, in
// registration order, and calls each handler whose shape fits.
//
// Whether a payload with fields the shape does not declare still fits is
// chosen per endpoint with WithDecodeMode.
package ipc
