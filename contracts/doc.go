// Package contracts defines the wire-level message envelope shared by the
// replyq engine and its transport adapters.
//
// A message is an opaque payload plus string attributes. The engine relies on
// exactly two attributes: the correlation id that links a response back to its
// request, and the reply destination address a responder should send to. Both
// use the attribute names of the original wire format, so queues written by
// other clients of that format interoperate.
package contracts
